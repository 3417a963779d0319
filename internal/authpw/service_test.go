package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"stencil/api/internal/store"
)

type fakeUserStore struct {
	users  map[string]store.User // keyed by email
	resets map[string]string     // token -> user id
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]store.User{}, resets: map[string]string{}}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.users[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	for _, user := range f.users {
		if user.ID == id {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.users[user.Email] = user
	return nil
}

func (f *fakeUserStore) UpdateUserVerificationToken(_ context.Context, userID, token string, _ time.Time) error {
	for email, user := range f.users {
		if user.ID == userID {
			user.VerificationToken = token
			f.users[email] = user
		}
	}
	return nil
}

func (f *fakeUserStore) VerifyUserEmail(_ context.Context, token string) error {
	for email, user := range f.users {
		if user.VerificationToken == token {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[email] = user
			return nil
		}
	}
	return errors.New("invalid or expired verification token")
}

func (f *fakeUserStore) UpdateUserPassword(_ context.Context, userID, hash string) error {
	for email, user := range f.users {
		if user.ID == userID {
			user.PasswordHash = hash
			f.users[email] = user
		}
	}
	return nil
}

func (f *fakeUserStore) CreatePasswordReset(_ context.Context, userID, token string, _ time.Time) error {
	f.resets[token] = userID
	return nil
}

func (f *fakeUserStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	userID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeUserStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	delete(f.resets, token)
	return nil
}

func TestSignUpSignInFlow(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeUserStore())

	resp, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "Avery@Example.com",
		Password:    "correct-horse",
		DisplayName: "Avery",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if resp.VerificationToken == "" {
		t.Fatal("expected a verification token")
	}

	// Unverified accounts can sign in but are flagged.
	signIn, err := svc.SignIn(ctx, SignInRequest{Email: "avery@example.com", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if !signIn.RequiresVerify {
		t.Error("expected RequiresVerify before email verification")
	}

	if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail() error = %v", err)
	}

	signIn, err = svc.SignIn(ctx, SignInRequest{Email: "avery@example.com", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("SignIn() after verify error = %v", err)
	}
	if signIn.RequiresVerify {
		t.Error("verified account should not require verification")
	}

	if _, err := svc.SignIn(ctx, SignInRequest{Email: "avery@example.com", Password: "wrong"}); err == nil {
		t.Error("expected error for wrong password")
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeUserStore())

	req := SignUpRequest{Email: "dup@example.com", Password: "long-enough", DisplayName: "Dup"}
	if _, err := svc.SignUp(ctx, req); err != nil {
		t.Fatalf("first SignUp() error = %v", err)
	}
	if _, err := svc.SignUp(ctx, req); !errors.Is(err, ErrEmailExists) {
		t.Errorf("second SignUp() error = %v, want ErrEmailExists", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeUserStore())

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@b.c", Password: "short", DisplayName: "A"}); err == nil {
		t.Error("expected error for short password")
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Password: "long-enough", DisplayName: "A"}); err == nil {
		t.Error("expected error for missing email")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	ctx := context.Background()
	fs := newFakeUserStore()
	svc := NewService(fs)

	resp, err := svc.SignUp(ctx, SignUpRequest{Email: "reset@example.com", Password: "original-pw", DisplayName: "R"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail() error = %v", err)
	}

	token, err := svc.RequestPasswordReset(ctx, "reset@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset() error = %v", err)
	}
	if token == "" {
		t.Fatal("expected reset token for existing account")
	}

	// Unknown addresses produce no token and no error.
	if tok, err := svc.RequestPasswordReset(ctx, "nobody@example.com"); err != nil || tok != "" {
		t.Errorf("unknown address: token=%q err=%v, want empty and nil", tok, err)
	}

	if err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "brand-new-pw"}); err != nil {
		t.Fatalf("ResetPassword() error = %v", err)
	}

	if _, err := svc.SignIn(ctx, SignInRequest{Email: "reset@example.com", Password: "brand-new-pw"}); err != nil {
		t.Errorf("SignIn() with new password error = %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "reset@example.com", Password: "original-pw"}); err == nil {
		t.Error("old password should no longer work")
	}

	// Token is single-use.
	if err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "another-pw-1"}); err == nil {
		t.Error("expected error for reused reset token")
	}
}
