package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/skip2/go-qrcode"

	"github.com/tutorhive/backend/internal/config"
	"github.com/tutorhive/backend/internal/models"
)

// FamilyService manages family groups: the relationship graph that decides
// which accounts may approve a child's orders. Membership reads go through
// a Redis cache; every write invalidates it. Redis being down degrades to
// database reads, never to different answers.
type FamilyService struct {
	db    *sql.DB
	redis *redis.Client
	cfg   *config.CreditsConfig
}

func NewFamilyService(db *sql.DB, redisClient *redis.Client, cfg *config.CreditsConfig) *FamilyService {
	return &FamilyService{
		db:    db,
		redis: redisClient,
		cfg:   cfg,
	}
}

// CreateGroup creates a group owned by ownerAccount and enrolls the owner
// as its first parent member.
func (s *FamilyService) CreateGroup(ctx context.Context, ownerAccount, name string) (*models.FamilyGroup, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	group := &models.FamilyGroup{
		ID:           uuid.NewString(),
		Name:         name,
		OwnerAccount: ownerAccount,
		CreatedAt:    time.Now(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO family_groups (id, name, owner_account, created_at)
		VALUES ($1, $2, $3, $4)`,
		group.ID, group.Name, group.OwnerAccount, group.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO family_members (group_id, account_id, role, joined_at)
		VALUES ($1, $2, $3, $4)`,
		group.ID, ownerAccount, string(models.RoleParent), time.Now())
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return group, nil
}

// Invite issues a single-use invite code for joining a group, plus a QR
// image carrying the code. Only the group owner may invite.
func (s *FamilyService) Invite(ctx context.Context, groupID, requesterAccount string, role models.FamilyRole) (string, string, error) {
	group, err := s.getGroup(ctx, groupID)
	if err != nil {
		return "", "", err
	}
	if group.OwnerAccount != requesterAccount {
		return "", "", fmt.Errorf("%w: only the group owner can invite", models.ErrNotAuthorized)
	}
	if role != models.RoleParent && role != models.RoleChild {
		return "", "", fmt.Errorf("invalid role %q", role)
	}

	if s.redis == nil {
		return "", "", fmt.Errorf("invites unavailable: redis not connected")
	}

	code := s.generateCode(s.cfg.InviteCodeLength)
	payload, err := json.Marshal(map[string]string{
		"group_id": groupID,
		"role":     string(role),
	})
	if err != nil {
		return "", "", err
	}

	key := fmt.Sprintf("invite:%s", code)
	if err := s.redis.Set(ctx, key, payload, s.cfg.InviteCodeTimeout).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Join consumes an invite code and enrolls accountID in the invited group.
func (s *FamilyService) Join(ctx context.Context, accountID, code string) (*models.FamilyMember, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("invites unavailable: redis not connected")
	}

	key := fmt.Sprintf("invite:%s", code)
	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: invalid or expired invite code", models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var invite struct {
		GroupID string `json:"group_id"`
		Role    string `json:"role"`
	}
	if err := json.Unmarshal(data, &invite); err != nil {
		return nil, err
	}

	member := &models.FamilyMember{
		GroupID:   invite.GroupID,
		AccountID: accountID,
		Role:      models.FamilyRole(invite.Role),
		JoinedAt:  time.Now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO family_members (group_id, account_id, role, joined_at)
		VALUES ($1, $2, $3, $4)`,
		member.GroupID, member.AccountID, string(member.Role), member.JoinedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: account already belongs to a group", models.ErrInvalidState)
		}
		return nil, err
	}

	s.redis.Del(ctx, key)
	s.invalidate(ctx, invite.GroupID)

	return member, nil
}

// Remove drops a member from a group. Only the owner may remove members,
// and the owner cannot remove themselves.
func (s *FamilyService) Remove(ctx context.Context, groupID, requesterAccount, memberAccount string) error {
	group, err := s.getGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.OwnerAccount != requesterAccount {
		return fmt.Errorf("%w: only the group owner can remove members", models.ErrNotAuthorized)
	}
	if memberAccount == group.OwnerAccount {
		return fmt.Errorf("%w: owner cannot leave their own group", models.ErrInvalidState)
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM family_members
		WHERE group_id = $1 AND account_id = $2`, groupID, memberAccount)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: member %s in group %s", models.ErrNotFound, memberAccount, groupID)
	}

	s.invalidate(ctx, groupID)
	return nil
}

// MembersOf lists a group's members, read-through cached.
func (s *FamilyService) MembersOf(ctx context.Context, groupID string) ([]models.FamilyMember, error) {
	if s.redis != nil {
		data, err := s.redis.Get(ctx, s.cacheKey(groupID)).Bytes()
		if err == nil {
			var members []models.FamilyMember
			if err := json.Unmarshal(data, &members); err == nil {
				return members, nil
			}
		} else if err != redis.Nil {
			log.Printf("[FAMILY] cache read failed for group %s: %v", groupID, err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, account_id, role, joined_at
		FROM family_members
		WHERE group_id = $1
		ORDER BY joined_at`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.FamilyMember
	for rows.Next() {
		var m models.FamilyMember
		if err := rows.Scan(&m.GroupID, &m.AccountID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(members); err == nil {
			s.redis.Set(ctx, s.cacheKey(groupID), data, s.cfg.CacheTTL)
		}
	}

	return members, nil
}

// GroupOf returns the membership record for an account, or ErrNotFound if
// the account belongs to no group.
func (s *FamilyService) GroupOf(ctx context.Context, accountID string) (*models.FamilyMember, error) {
	m := &models.FamilyMember{}
	err := s.db.QueryRowContext(ctx, `
		SELECT group_id, account_id, role, joined_at
		FROM family_members
		WHERE account_id = $1
		ORDER BY joined_at
		LIMIT 1`, accountID).
		Scan(&m.GroupID, &m.AccountID, &m.Role, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s belongs to no group", models.ErrNotFound, accountID)
		}
		return nil, err
	}
	return m, nil
}

// CanAuthorize reports whether approver may act on child's orders: they
// must share a group where the approver holds the parent role.
func (s *FamilyService) CanAuthorize(ctx context.Context, approverAccount, childAccount string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM family_members child
			JOIN family_members parent ON parent.group_id = child.group_id
			WHERE child.account_id = $1 AND child.role = $2
			  AND parent.account_id = $3 AND parent.role = $4
		)`, childAccount, string(models.RoleChild),
		approverAccount, string(models.RoleParent)).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// HasApprover reports whether the account is a child with at least one
// parent in its group, i.e. whether its purchases need approval.
func (s *FamilyService) HasApprover(ctx context.Context, accountID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM family_members child
			JOIN family_members parent ON parent.group_id = child.group_id
			WHERE child.account_id = $1 AND child.role = $2
			  AND parent.role = $3 AND parent.account_id <> child.account_id
		)`, accountID, string(models.RoleChild), string(models.RoleParent)).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *FamilyService) getGroup(ctx context.Context, groupID string) (*models.FamilyGroup, error) {
	group := &models.FamilyGroup{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_account, created_at
		FROM family_groups
		WHERE id = $1`, groupID).
		Scan(&group.ID, &group.Name, &group.OwnerAccount, &group.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: group %s", models.ErrNotFound, groupID)
		}
		return nil, err
	}
	return group, nil
}

func (s *FamilyService) cacheKey(groupID string) string {
	return fmt.Sprintf("family:members:%s", groupID)
}

func (s *FamilyService) invalidate(ctx context.Context, groupID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, s.cacheKey(groupID)).Err(); err != nil {
		log.Printf("[FAMILY] cache invalidation failed for group %s: %v", groupID, err)
	}
}

// generateCode produces an uppercase alphanumeric invite code, avoiding
// characters that are ambiguous when read aloud.
func (s *FamilyService) generateCode(length int) string {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, length)
	rand.Read(b)
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}
