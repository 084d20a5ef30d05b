package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-stream/internal/platform/logger"
	"github.com/yungbote/neurobridge-stream/internal/platform/requestdata"
)

func TestAuthTokenRoundTrip(t *testing.T) {
	auth := NewAuthService(logger.Nop(), "secret-a")
	userID := uuid.New()
	token, err := auth.IssueToken(userID, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	ctx, err := auth.SetContextFromToken(context.Background(), token)
	if err != nil {
		t.Fatalf("SetContextFromToken: %v", err)
	}
	rd := requestdata.GetRequestData(ctx)
	if rd == nil || rd.UserID != userID {
		t.Fatalf("request data: want user=%s got=%+v", userID, rd)
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	auth := NewAuthService(logger.Nop(), "secret-a")
	other := NewAuthService(logger.Nop(), "secret-b")
	foreign, _ := other.IssueToken(uuid.New(), time.Minute)
	expired, _ := auth.IssueToken(uuid.New(), -time.Minute)

	for name, token := range map[string]string{
		"empty":     "",
		"garbage":   "not.a.jwt",
		"wrong_key": foreign,
		"expired":   expired,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := auth.SetContextFromToken(context.Background(), token); err == nil {
				t.Fatalf("want error")
			}
		})
	}
}
