package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutorhive/backend/internal/models"
	"github.com/tutorhive/backend/internal/services"
)

type FamilyHandler struct {
	family    *services.FamilyService
	validator *services.ValidationHelper
}

func NewFamilyHandler(family *services.FamilyService) *FamilyHandler {
	return &FamilyHandler{
		family:    family,
		validator: services.NewValidationHelper(),
	}
}

// CreateGroup creates a family group
// @Summary Create a family group
// @Description Create a family group owned by the authenticated account
// @Tags family
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{name=string} true "Group name"
// @Success 201 {object} models.FamilyGroup
// @Failure 400 {object} services.ErrorResponse
// @Router /family/groups [post]
func (h *FamilyHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Name string `json:"name" validate:"required,min=2,max=100"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	group, err := h.family.CreateGroup(r.Context(), accountID, req.Name)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(group)
}

// Invite issues an invite code plus QR image
// @Summary Invite a member
// @Description Issue a single-use invite code and QR image for joining a group
// @Tags family
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param groupId path string true "Group ID"
// @Param request body object{role=string} true "Invited role"
// @Success 200 {object} object{code=string,qrImage=string}
// @Failure 403 {object} services.ErrorResponse
// @Router /family/groups/{groupId}/invite [post]
func (h *FamilyHandler) Invite(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Role string `json:"role" validate:"required,oneof=parent child"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	code, qrImage, err := h.family.Invite(r.Context(), chi.URLParam(r, "groupId"), accountID, models.FamilyRole(req.Role))
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"qrImage": qrImage,
	})
}

// Join redeems an invite code
// @Summary Join a family group
// @Description Join the group an invite code was issued for
// @Tags family
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{code=string} true "Invite code"
// @Success 200 {object} models.FamilyMember
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /family/join [post]
func (h *FamilyHandler) Join(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Code string `json:"code" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	member, err := h.family.Join(r.Context(), accountID, req.Code)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(member)
}

// Members lists a group's members
// @Summary List group members
// @Description List a family group's members
// @Tags family
// @Produce json
// @Security BearerAuth
// @Param groupId path string true "Group ID"
// @Success 200 {array} models.FamilyMember
// @Failure 403 {object} services.ErrorResponse
// @Router /family/groups/{groupId}/members [get]
func (h *FamilyHandler) Members(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	groupID := chi.URLParam(r, "groupId")

	members, err := h.family.MembersOf(r.Context(), groupID)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	// Only members see the roster.
	caller := false
	for _, m := range members {
		if m.AccountID == accountID {
			caller = true
			break
		}
	}
	if !caller {
		services.SendErrorResponse(w, "Not a member of this group", http.StatusForbidden, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(members)
}

// Remove drops a member from a group
// @Summary Remove a group member
// @Description Remove a member from a family group (owner only)
// @Tags family
// @Produce json
// @Security BearerAuth
// @Param groupId path string true "Group ID"
// @Param accountId path string true "Member account ID"
// @Success 200 {object} object{success=bool}
// @Failure 403 {object} services.ErrorResponse
// @Router /family/groups/{groupId}/members/{accountId} [delete]
func (h *FamilyHandler) Remove(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	err := h.family.Remove(r.Context(), chi.URLParam(r, "groupId"), accountID, chi.URLParam(r, "accountId"))
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}
