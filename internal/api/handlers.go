package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/ncavallini/go-chat-server/internal/chat"
	"github.com/ncavallini/go-chat-server/internal/database"
	"github.com/ncavallini/go-chat-server/internal/types"
	"github.com/teris-io/shortid"
)

const exportPageSize = 500

type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := shortid.Generate()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newRoom, err := s.db.CreateRoom(database.CreateRoomParams{
		Name:        req.Name,
		ExternalId:  sid,
		Description: req.Description,
		OwnerId:     userId,
	})
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, roomResponse(newRoom))
}

func (s *ChatApp) getRooms(w http.ResponseWriter, r *http.Request) {
	if externalId := r.URL.Query().Get("external_id"); externalId != "" {
		room, err := s.db.GetRoomByExternalId(externalId)
		if err != nil {
			var errResp *ApiError
			if errors.Is(err, database.ErrNotFound) {
				errResp = NewNotFoundError()
			} else {
				errResp = NewInternalServerError(err)
			}
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.writeJson(w, http.StatusOK, roomResponse(room))
		return
	}

	dbRooms, err := s.db.ListRooms()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, room := range dbRooms {
		rooms = append(rooms, roomResponse(room))
	}

	s.writeJson(w, http.StatusOK, rooms)
}

// getMessages serves history over plain HTTP: the same readSince the
// live path uses, for late joiners and external read-only consumers.
func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	room, errResp := s.roomFromQuery(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	fromSeq, _ := strconv.Atoi(r.URL.Query().Get("from_seq"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	dbMsgs, err := s.db.MessagesSince(room.Id, fromSeq, limit)
	if err != nil {
		var resp *ApiError
		if errors.Is(err, database.ErrStoreUnavailable) {
			resp = NewServiceUnavailableError(err)
		} else {
			resp = NewInternalServerError(err)
		}
		s.writeJson(w, resp.StatusCode, resp)
		return
	}

	messages := make([]types.Message, 0, len(dbMsgs))
	for _, msg := range dbMsgs {
		messages = append(messages, types.Message{
			Seq:       msg.SeqId,
			Room:      room.Name,
			Sender:    types.User{Id: msg.UserId, Username: msg.Username},
			Body:      msg.Content,
			Timestamp: msg.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *ChatApp) analyticsOverview(w http.ResponseWriter, _ *http.Request) {
	overview, err := s.db.AnalyticsOverview()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, overview)
}

// exportMessages streams a room's full transcript as CSV, paging
// through the store so the response never holds more than one page in
// memory and puts no pressure on the live path.
func (s *ChatApp) exportMessages(w http.ResponseWriter, r *http.Request) {
	room, errResp := s.roomFromQuery(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", room.Name+"-messages.csv"))

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"seq", "username", "body", "timestamp"}); err != nil {
		s.log.Printf("csv write: %v", err)
		return
	}

	fromSeq := 1
	for {
		msgs, err := s.db.MessagesSince(room.Id, fromSeq, exportPageSize)
		if err != nil {
			s.log.Printf("export messages for room %q: %v", room.Name, err)
			return
		}

		for _, msg := range msgs {
			record := []string{
				strconv.Itoa(msg.SeqId),
				msg.Username,
				msg.Content,
				msg.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			}
			if err := cw.Write(record); err != nil {
				s.log.Printf("csv write: %v", err)
				return
			}
		}

		if len(msgs) < exportPageSize {
			break
		}
		fromSeq = msgs[len(msgs)-1].SeqId + 1
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		s.log.Printf("csv flush: %v", err)
	}
}

func (s *ChatApp) roomFromQuery(r *http.Request) (database.Room, *ApiError) {
	externalId := r.URL.Query().Get("room")
	if externalId == "" {
		return database.Room{}, NewBadRequestError()
	}

	room, err := s.db.GetRoomByExternalId(externalId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Room{}, NewNotFoundError()
		}
		return database.Room{}, NewInternalServerError(err)
	}

	return room, nil
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(id)
	if err != nil || !user.Active {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := chat.NewClient(types.User{
		Id:       user.Id,
		Username: user.Username,
	}, conn, s.cs, s.log)

	if err := s.cs.RegisterClient(client); err != nil {
		// connection id collision should never happen; fatal to this
		// connection's setup
		s.log.Printf("ERROR: register connection %s: %v", client.Id(), err)
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}

func roomResponse(room database.Room) types.Room {
	return types.Room{
		Id:          room.Id,
		ExternalId:  room.ExternalId,
		Name:        room.Name,
		Description: room.Description,
		SeqId:       room.SeqId,
		OwnerId:     room.OwnerId,
		CreatedAt:   room.CreatedAt,
		UpdatedAt:   room.UpdatedAt,
	}
}
