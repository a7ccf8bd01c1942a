package library

import (
	"context"
	"errors"
	"net/mail"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"library-circulation/docstore"
)

const minPasswordLength = 8

// NewMember is the input for AddMember. Password is optional; members without
// one cannot authenticate.
type NewMember struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Role     Role   `json:"role"`
	Password string `json:"password"`
}

// ------------------ Member helpers ------------------

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Name != "" {
		return "", invalid("email", "must be a plain address")
	}

	email := strings.ToLower(norm.NFKC.String(addr.Address))
	if strings.Contains(email, "/") {
		return "", invalid("email", "must not contain '/'")
	}

	return email, nil
}

func hashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", invalid("password", "must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", invalid("password", "must be at most 72 bytes")
		}
		return "", err
	}

	return string(hash), nil
}

// AddMember registers a member. Emails are unique.
func (lm *LibraryManager) AddMember(ctx context.Context, in NewMember) (*Member, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, invalid("name", "cannot be empty")
	}

	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}

	role := in.Role
	if role == "" {
		role = RoleMember
	}
	if !role.Valid() {
		return nil, invalid("role", "must be admin, librarian or member")
	}

	member := &Member{
		ID:        newID(),
		Name:      name,
		Email:     email,
		Phone:     strings.TrimSpace(in.Phone),
		Role:      role,
		CreatedAt: lm.clock(),
	}
	if in.Password != "" {
		if member.PasswordHash, err = hashPassword(in.Password); err != nil {
			return nil, err
		}
	}

	err = lm.run(ctx, "add member", func(ctx context.Context, tx *docstore.Tx) error {
		taken, err := getDoc[indexEntry](ctx, tx, docstore.Doc(colEmails, email))
		if err != nil {
			return err
		}
		if taken != nil {
			return &DuplicateError{Entity: "email", Key: email, Err: ErrAlreadyExists}
		}

		if err := tx.Create(memberRef(member.ID), member); err != nil {
			return err
		}
		return tx.Create(docstore.Doc(colEmails, email), indexEntry{OwnerID: member.ID})
	})
	if err != nil {
		return nil, err
	}

	lm.logger.Info("member added", "member_id", member.ID, "role", role)

	return publicMember(member), nil
}

func publicMember(m *Member) *Member {
	out := *m
	out.PasswordHash = ""
	return &out
}

// Member returns a member without its credential.
func (lm *LibraryManager) Member(ctx context.Context, memberID string) (*Member, error) {
	m, err := lm.loadMember(ctx, lm.store, memberID)
	if err != nil {
		return nil, err
	}
	return publicMember(m), nil
}

// Members lists all members ordered by name.
func (lm *LibraryManager) Members(ctx context.Context) ([]Member, error) {
	members, err := queryDocs[Member](ctx, lm.store, colMembers)
	if err != nil {
		return nil, err
	}

	for i := range members {
		members[i].PasswordHash = ""
	}
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].Name != members[j].Name {
			return members[i].Name < members[j].Name
		}
		return members[i].ID < members[j].ID
	})

	return members, nil
}

// Authenticate checks the member's password.
func (lm *LibraryManager) Authenticate(ctx context.Context, memberID, password string) (*Member, error) {
	m, err := lm.loadMember(ctx, lm.store, memberID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if m.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(password)) != nil {
		lm.logger.Warn("authentication failed", "member_id", memberID)
		return nil, ErrInvalidCredentials
	}

	return publicMember(m), nil
}

// ResetPassword replaces the member's credential.
func (lm *LibraryManager) ResetPassword(ctx context.Context, memberID, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}

	return lm.run(ctx, "reset password", func(ctx context.Context, tx *docstore.Tx) error {
		if _, err := lm.loadMember(ctx, tx, memberID); err != nil {
			return err
		}
		return tx.Update(memberRef(memberID), docstore.Set("passwordHash", hash))
	})
}
