package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/story-pointer/internal/poker"
	"github.com/npezzotti/story-pointer/internal/server"
	"github.com/npezzotti/story-pointer/internal/stats"
	"github.com/npezzotti/story-pointer/internal/types"
)

type CreateRoomResponse struct {
	Id string `json:"id"`
}

type OptionsResponse struct {
	Options []string `json:"options"`
}

func (s *StoryPointerApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *StoryPointerApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// session signs the caller in anonymously. A caller with a valid token keeps
// its user; anyone else gets a new one.
func (s *StoryPointerApp) session(w http.ResponseWriter, r *http.Request) {
	userId, err := s.userIdFromRequest(r)
	if err != nil {
		userId = uuid.NewString()
		s.log.Info().Str("user_id", userId).Msg("signing in new anonymous user")
	}

	var user types.User
	err = s.policy.Do(r.Context(), s.log, "sign-in", func() error {
		var err error
		user, err = s.dir.EnsureUser(r.Context(), userId)
		return err
	})
	if err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.createJwtForSession(userId, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token))
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	s.writeJson(w, http.StatusOK, user)
}

func (s *StoryPointerApp) getOptions(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, OptionsResponse{Options: poker.Options()})
}

func (s *StoryPointerApp) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	roomId, err := s.dir.CreateRoom(r.Context(), userId)
	if err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.stats.Incr(stats.RoomsCreated)
	s.log.Info().Str("room_id", roomId).Str("user_id", userId).Msg("room created")
	s.writeJson(w, http.StatusCreated, CreateRoomResponse{Id: roomId})
}

func (s *StoryPointerApp) getRoom(w http.ResponseWriter, r *http.Request) {
	roomId := r.URL.Query().Get("id")
	if !poker.ValidRoomID(roomId) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, ok, err := s.dir.RoomData(r.Context(), roomId)
	if err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !ok {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *StoryPointerApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
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
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	if err := s.cs.Serve(types.User{Id: userId}, conn); err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, server.ErrShuttingDown) {
			code = websocket.CloseGoingAway
		}
		s.log.Error().Err(err).Str("user_id", userId).Msg("serving websocket")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "unavailable"))
		conn.Close()
	}
}
