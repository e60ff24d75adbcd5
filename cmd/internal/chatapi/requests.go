package chatapi

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"chatcore/cmd/internal/chat"
)

type sendRequest struct {
	ConversationID string            `json:"conversationId" validate:"required,len=26"`
	Type           string            `json:"type" validate:"omitempty,oneof=text image file system"`
	Content        string            `json:"content" validate:"max=4000"`
	Attachments    []chat.Attachment `json:"attachments" validate:"max=10,dive"`
	ReplyTo        string            `json:"replyTo" validate:"omitempty,len=26"`
	ClientID       string            `json:"clientId" validate:"omitempty,max=128"`
}

type groupRequest struct {
	Title     string   `json:"title" validate:"max=200"`
	MemberIDs []string `json:"memberIds" validate:"required,min=2,max=255,dive,required,max=128"`
}

type archiveRequest struct {
	Archived *bool `json:"archived" validate:"required"`
}

type typingRequest struct {
	IsTyping bool `json:"isTyping"`
}

type reactionRequest struct {
	Emoji string `json:"emoji" validate:"required,max=32"`
}

type deleteRequest struct {
	DeleteForEveryone bool `json:"deleteForEveryone"`
}

type unreadResponse struct {
	UnreadCount int `json:"unreadCount"`
}

type totalUnreadResponse struct {
	Total int `json:"total"`
}

type typingResponse struct {
	UserIDs []string `json:"userIds"`
}

type searchResponse struct {
	Messages []chat.Message `json:"messages"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage renders the first failed rule as a client-facing message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
}
