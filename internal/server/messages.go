package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/story-pointer/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Navigate *Navigate `json:"navigate,omitempty"`
	Home     *Home     `json:"home,omitempty"`
	NewRoom  *NewRoom  `json:"new_room,omitempty"`
	Vote     *Vote     `json:"vote,omitempty"`
	Reset    *Reset    `json:"reset,omitempty"`
	UserId   string    `json:"-"`
	client   *Client   `json:"-"`
}

type Navigate struct {
	RoomId string `json:"room_id"`
}

type Home struct{}

type NewRoom struct{}

type Vote struct {
	Option string `json:"option"`
}

type Reset struct{}

func (cm *ClientMessage) GetUserId() string {
	if cm.UserId != "" {
		return cm.UserId
	}
	if cm.client != nil {
		return cm.client.user.Id
	}
	return ""
}

// op names the operation carried by the message, or "" if it carries none.
func (cm *ClientMessage) op() string {
	switch {
	case cm.Navigate != nil:
		return "navigate"
	case cm.Home != nil:
		return "home"
	case cm.NewRoom != nil:
		return "new_room"
	case cm.Vote != nil:
		return "vote"
	case cm.Reset != nil:
		return "reset"
	}
	return ""
}

type ServerMessage struct {
	BaseMessage
	Response *Response   `json:"response,omitempty"`
	View     *types.View `json:"view,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

func ViewMessage(v types.View) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		View:        &v,
	}
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func errResponse(id, code int, msg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        msg,
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "room not found")
}

func ErrBadRequest(id int, msg string) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, msg)
}

func ErrConflict(id int, msg string) *ServerMessage {
	return errResponse(id, http.StatusConflict, msg)
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := errResponse(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
