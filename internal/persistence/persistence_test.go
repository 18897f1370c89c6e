package persistence

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"chat-threads/internal/domain"
	"chat-threads/internal/storage"
)

func sampleMessage() ChatMessage {
	return ChatMessage{
		ID:        "7d3c1f52-0000-4000-8000-000000000001",
		Message:   "Hello, how are you? <b>&</b>",
		Role:      domain.RoleUser,
		CreatedAt: "2024-05-01T10:00:00.000000Z",
		UpdatedAt: "2024-05-01T10:00:00.000000Z",
	}
}

func sampleSession() ChatSession {
	reply := sampleMessage()
	reply.ID = "7d3c1f52-0000-4000-8000-000000000002"
	reply.Role = domain.RoleAssistant
	reply.Message = "Fine, thanks."
	return ChatSession{
		ID:        "a1b2c3d4-e5f6-4000-8000-000000000000",
		Messages:  []ChatMessage{sampleMessage(), reply},
		UserID:    "1",
		IsActive:  true,
		Title:     "Greetings",
		CreatedAt: "2024-05-01T10:00:00.000000Z",
		UpdatedAt: "2024-05-01T10:00:01.000000Z",
		Version:   4,
	}
}

func TestEncode_Canonical(t *testing.T) {
	enc, err := sampleMessage().Encode()
	require.NoError(t, err)
	require.Equal(t,
		`{"id": "7d3c1f52-0000-4000-8000-000000000001", "message": "Hello, how are you? <b>&</b>", "role": "user", "createdAt": "2024-05-01T10:00:00.000000Z", "updatedAt": "2024-05-01T10:00:00.000000Z"}`,
		enc)
}

func TestEncode_EscapesLikeStoredRows(t *testing.T) {
	m := sampleMessage()
	m.Message = "京都 \"quote\" back\\slash\nline\ttab\x1b del\x7f 😀 a/b"
	enc, err := m.Encode()
	require.NoError(t, err)
	require.Contains(t, enc,
		`"message": "\u4eac\u90fd \"quote\" back\\slash\nline\ttab\u001b del\u007f \ud83d\ude00 a/b"`)

	got, err := DecodeChatMessage(enc)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestDecodeChatMessage_ExistingRowReencodesIdentically(t *testing.T) {
	stored := `{"id": "abc", "message": "\u3053\u3093\u306b\u3061\u306f", "role": "user", "createdAt": "2024-05-01T10:00:00.123456", "updatedAt": "2024-05-01T10:00:00.123456"}`

	got, err := DecodeChatMessage(stored)
	require.NoError(t, err)
	require.Equal(t, "こんにちは", got.Message)

	again, err := got.Encode()
	require.NoError(t, err)
	require.Equal(t, stored, again)
}

func TestEncode_RejectsInvalidUTF8(t *testing.T) {
	m := sampleMessage()
	m.Message = "bad\xff"
	_, err := m.Encode()
	require.ErrorIs(t, err, ErrInvalidUTF8)
	require.Contains(t, err.Error(), "message")

	s := sampleSession()
	s.Messages[1].Message = "bad\xff"
	_, err = s.Item()
	require.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestChatMessage_RoundTrip(t *testing.T) {
	m := sampleMessage()
	enc, err := m.Encode()
	require.NoError(t, err)

	got, err := DecodeChatMessage(enc)
	require.NoError(t, err)
	require.Equal(t, m, got)

	again, err := got.Encode()
	require.NoError(t, err)
	require.Equal(t, enc, again)
}

func TestDecodeChatMessage_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		invalid bool
	}{
		{name: "malformed json", in: `{"id":`},
		{name: "missing id", in: `{"message":"x","role":"user","createdAt":"a","updatedAt":"a"}`},
		{name: "unknown role", in: `{"id":"1","message":"x","role":"system","createdAt":"a","updatedAt":"a"}`, invalid: true},
		{name: "empty role", in: `{"id":"1","message":"x","createdAt":"a","updatedAt":"a"}`, invalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeChatMessage(tt.in)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			require.Equal(t, tt.invalid, errors.Is(err, ErrInvalidRole))
		})
	}
}

func TestChatSession_RoundTrip(t *testing.T) {
	s := sampleSession()
	item, err := s.Item()
	require.NoError(t, err)
	require.Len(t, item[AttrMessages].(*types.AttributeValueMemberL).Value, 2)
	require.Equal(t, "4", item[storage.AttrVersion].(*types.AttributeValueMemberN).Value)

	got, err := SessionFromItem(item)
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestChatSession_RoundTripWithoutMessages(t *testing.T) {
	s := sampleSession()
	s.Messages = nil
	item, err := s.Item()
	require.NoError(t, err)
	require.Empty(t, item[AttrMessages].(*types.AttributeValueMemberL).Value)

	got, err := SessionFromItem(item)
	require.NoError(t, err)
	require.Equal(t, s, got)
	require.Nil(t, got.Messages)

	th := domain.NewThread("1", "empty")
	require.Nil(t, FromThread(th).Messages)
}

func TestChatSession_ItemOmitsZeroVersion(t *testing.T) {
	s := sampleSession()
	s.Version = 0
	item, err := s.Item()
	require.NoError(t, err)
	require.NotContains(t, item, storage.AttrVersion)
}

func TestSessionFromItem_Defaults(t *testing.T) {
	got, err := SessionFromItem(storage.Item{
		AttrID:                storage.S("t1"),
		AttrUserID:            storage.S("1"),
		storage.AttrCreatedAt: storage.S("c"),
		storage.AttrUpdatedAt: storage.S("u"),
	})
	require.NoError(t, err)
	require.True(t, got.IsActive)
	require.Empty(t, got.Title)
	require.Empty(t, got.Messages)
	require.Zero(t, got.Version)
}

func TestSessionFromItem_BadMessageReportsIndex(t *testing.T) {
	s := sampleSession()
	item, err := s.Item()
	require.NoError(t, err)
	item[AttrMessages].(*types.AttributeValueMemberL).Value[1] = storage.S(`{"id":"x","message":"m","role":"robot","createdAt":"a","updatedAt":"a"}`)

	_, err = SessionFromItem(item)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	require.Equal(t, 1, de.Index)
	require.ErrorIs(t, err, ErrInvalidRole)
	require.Contains(t, err.Error(), "decode message 1")
}

func TestSessionFromItem_WrongTypes(t *testing.T) {
	base := func() storage.Item {
		item, err := sampleSession().Item()
		require.NoError(t, err)
		return item
	}
	tests := map[string]types.AttributeValue{
		AttrID:              &types.AttributeValueMemberN{Value: "1"},
		AttrIsActive:        storage.S("true"),
		AttrMessages:        storage.S("[]"),
		storage.AttrVersion: storage.S("1"),
	}
	for name, v := range tests {
		t.Run(name, func(t *testing.T) {
			item := base()
			item[name] = v
			_, err := SessionFromItem(item)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
		})
	}

	item := base()
	delete(item, AttrUserID)
	_, err := SessionFromItem(item)
	require.Error(t, err)
	require.Contains(t, err.Error(), "user_id")
}

func TestThreadConversion_RoundTrip(t *testing.T) {
	s := sampleSession()
	th := s.Thread()
	require.Equal(t, s.ID, th.ID)
	require.Equal(t, int64(4), th.Version)
	require.Len(t, th.Messages(), 2)
	require.Equal(t, "Fine, thanks.", th.Messages()[1].Text)

	require.Equal(t, s, FromThread(th))
}
