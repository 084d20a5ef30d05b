package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
	"github.com/yungbote/neurobridge-stream/internal/realtime/relay"
)

func TestTurnTokenOwnership(t *testing.T) {
	f := newFixture(t, relay.Config{})
	ctx := context.Background()
	chatID, msgID := uuid.New(), uuid.New()

	tok, err := f.persister.Claim(chatID, msgID, uuid.New())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := f.persister.Claim(chatID, msgID, uuid.New()); !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("second Claim: want ErrWriteConflict got %v", err)
	}
	forged := TurnToken{MessageID: msgID, ChatID: chatID}
	if _, err := f.persister.UpsertTurn(ctx, forged, chat.RoleAssistant, nil, chat.MessageMetadata{}); !errors.Is(err, ErrNotTurnOwner) {
		t.Fatalf("forged UpsertTurn: want ErrNotTurnOwner got %v", err)
	}

	first, err := f.persister.UpsertTurn(ctx, tok, chat.RoleAssistant, []chat.Part{{Type: "text", Text: "Hel"}}, chat.MessageMetadata{})
	if err != nil {
		t.Fatalf("UpsertTurn: %v", err)
	}
	second, err := f.persister.UpsertTurn(ctx, tok, chat.RoleAssistant, []chat.Part{{Type: "text", Text: "Hello"}}, chat.MessageMetadata{TotalTokens: 3})
	if err != nil {
		t.Fatalf("UpsertTurn again: %v", err)
	}
	if first.ID != second.ID || lastText(t, second) != "Hello" {
		t.Fatalf("upsert did not update in place: first=%s second=%s", first.ID, second.ID)
	}
	if second.StreamID == nil || *second.StreamID != tok.StreamID {
		t.Fatalf("stream_id not recorded")
	}

	f.persister.Release(tok)
	if _, err := f.persister.UpsertTurn(ctx, tok, chat.RoleAssistant, nil, chat.MessageMetadata{}); !errors.Is(err, ErrNotTurnOwner) {
		t.Fatalf("UpsertTurn after Release: want ErrNotTurnOwner got %v", err)
	}
	if rows := f.assistantRows(t, chatID); len(rows) != 1 {
		t.Fatalf("assistant rows: want=1 got=%d", len(rows))
	}
}

func TestSaveUserMessageWithAttachments(t *testing.T) {
	f := newFixture(t, relay.Config{})
	ctx := context.Background()
	chatID, userID := uuid.New(), uuid.New()

	msg, atts, err := f.persister.SaveUserMessage(ctx, chatID, &userID, "  look at this ", []AttachmentInput{
		{Name: "a.png", URL: "https://files/a.png", ContentType: "image/png", SizeBytes: 10},
	})
	if err != nil {
		t.Fatalf("SaveUserMessage: %v", err)
	}
	if msg.Role != chat.RoleUser || lastText(t, msg) != "look at this" {
		t.Fatalf("message: role=%s text=%q", msg.Role, lastText(t, msg))
	}
	if msg.UserID == nil || *msg.UserID != userID {
		t.Fatalf("user_id not recorded")
	}
	if len(atts) != 1 || atts[0].MessageID != msg.ID {
		t.Fatalf("attachments: %+v", atts)
	}

	if _, _, err := f.persister.SaveUserMessage(ctx, chatID, nil, "   ", nil); err == nil {
		t.Fatalf("empty message should be rejected")
	}
}

func TestSaveUserMessageKeepsMessageWhenAttachmentsFail(t *testing.T) {
	f := newFixture(t, relay.Config{})
	ctx := context.Background()
	chatID := uuid.New()
	if err := f.db.Migrator().DropTable("chat_attachment"); err != nil {
		t.Fatalf("drop attachments: %v", err)
	}
	msg, atts, err := f.persister.SaveUserMessage(ctx, chatID, nil, "hi", []AttachmentInput{{Name: "x", URL: "u"}})
	if err != nil {
		t.Fatalf("SaveUserMessage: %v", err)
	}
	if atts != nil {
		t.Fatalf("attachments should be dropped on failure")
	}
	got, err := f.persister.GetMessage(ctx, msg.ID)
	if err != nil || lastText(t, got) != "hi" {
		t.Fatalf("message rolled back: %v", err)
	}
}

func TestLoadMessagesPaging(t *testing.T) {
	f := newFixture(t, relay.Config{})
	ctx := context.Background()
	chatID := uuid.New()
	var texts []string
	for _, s := range []string{"one", "two", "three"} {
		if _, _, err := f.persister.SaveUserMessage(ctx, chatID, nil, s, nil); err != nil {
			t.Fatalf("SaveUserMessage: %v", err)
		}
		texts = append(texts, s)
	}

	asc, err := f.persister.LoadMessages(ctx, chatID, 1, 2, false)
	if err != nil || len(asc) != 2 || lastText(t, asc[0]) != "one" {
		t.Fatalf("page 1 asc: len=%d err=%v", len(asc), err)
	}
	page2, err := f.persister.LoadMessages(ctx, chatID, 2, 2, false)
	if err != nil || len(page2) != 1 || lastText(t, page2[0]) != "three" {
		t.Fatalf("page 2 asc: len=%d err=%v", len(page2), err)
	}
	desc, err := f.persister.LoadMessages(ctx, chatID, 1, 1, true)
	if err != nil || len(desc) != 1 || lastText(t, desc[0]) != texts[2] {
		t.Fatalf("page 1 desc: len=%d err=%v", len(desc), err)
	}
	last, err := f.persister.GetLastMessage(ctx, chatID)
	if err != nil || lastText(t, last) != "three" {
		t.Fatalf("GetLastMessage: err=%v", err)
	}
	if _, err := f.persister.GetMessage(ctx, uuid.New()); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("GetMessage(unknown): want ErrMessageNotFound got %v", err)
	}
}
