package chat

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ncavallini/go-chat-server/internal/types"
)

// Inbound frames form a closed set: exactly one of the variant pointers
// is populated per frame. Anything else is an invalid message.
type ClientFrame struct {
	Id      int         `json:"id,omitempty"`
	Join    *Join       `json:"join,omitempty"`
	Leave   *Leave      `json:"leave,omitempty"`
	Send    *Send       `json:"send,omitempty"`
	History *HistoryReq `json:"history,omitempty"`

	client *Client
	// detached marks a leave whose membership was already removed at
	// detach time; the room loop only announces it.
	detached bool
}

type Join struct {
	Room string `json:"room"`
	// FromSeq lets a reconnecting client resume history from the last
	// sequence number it saw. Zero means a recent window.
	FromSeq int `json:"from_seq,omitempty"`
}

type Leave struct{}

type Send struct {
	Body string `json:"body"`
}

type HistoryReq struct {
	FromSeq int `json:"from_seq"`
	Limit   int `json:"limit,omitempty"`
}

type ServerFrame struct {
	Id        int            `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Joined    *Joined        `json:"joined,omitempty"`
	Message   *types.Message `json:"message,omitempty"`
	History   *HistoryReply  `json:"history,omitempty"`
	Presence  *Presence      `json:"presence,omitempty"`
	Error     *ErrorFrame    `json:"error,omitempty"`
}

type Joined struct {
	Room    string       `json:"room"`
	Members []types.User `json:"members"`
}

type HistoryReply struct {
	Room     string          `json:"room"`
	Messages []types.Message `json:"messages"`
}

type Presence struct {
	Room    string     `json:"room"`
	User    types.User `json:"user"`
	Present bool       `json:"present"`
}

type ErrorFrame struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

const (
	KindUnauthenticated     = "unauthenticated"
	KindInvalidMessage      = "invalid_message"
	KindStoreUnavailable    = "store_unavailable"
	KindDuplicateConnection = "duplicate_connection"
	KindDeliveryDropped     = "delivery_dropped"
	KindInternal            = "internal"
)

var (
	errEmptyFrame    = errors.New("frame has no recognized variant")
	errMultipleFrame = errors.New("frame has more than one variant")
	errEmptyRoom     = errors.New("room name must not be empty")
	errEmptyBody     = errors.New("message body must not be empty")
	errBodyTooLarge  = errors.New("message body exceeds size limit")
	errBadEncoding   = errors.New("message body is not valid UTF-8")
)

// validate enforces the closed frame set and the per-variant payload
// rules. A failure rejects only this frame; the connection stays open.
func (f *ClientFrame) validate() error {
	var set int
	for _, ok := range []bool{f.Join != nil, f.Leave != nil, f.Send != nil, f.History != nil} {
		if ok {
			set++
		}
	}
	if set == 0 {
		return errEmptyFrame
	}
	if set > 1 {
		return errMultipleFrame
	}

	switch {
	case f.Join != nil:
		if strings.TrimSpace(f.Join.Room) == "" {
			return errEmptyRoom
		}
	case f.Send != nil:
		if strings.TrimSpace(f.Send.Body) == "" {
			return errEmptyBody
		}
		if len(f.Send.Body) > maxBodyBytes {
			return errBodyTooLarge
		}
		if !utf8.ValidString(f.Send.Body) {
			return errBadEncoding
		}
	}

	return nil
}

func errFrame(id int, kind, detail string) *ServerFrame {
	return &ServerFrame{
		Id:        id,
		Timestamp: Now(),
		Error: &ErrorFrame{
			Kind:   kind,
			Detail: detail,
		},
	}
}

func ErrFrameInvalidMessage(id int, detail string) *ServerFrame {
	return errFrame(id, KindInvalidMessage, detail)
}

func ErrFrameStoreUnavailable(id int) *ServerFrame {
	return errFrame(id, KindStoreUnavailable, "message not saved, retry")
}

func ErrFrameInternal(id int) *ServerFrame {
	return errFrame(id, KindInternal, "internal error")
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
