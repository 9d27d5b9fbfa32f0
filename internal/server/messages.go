package server

import (
	"encoding/json"

	"github.com/scenesync/scenesync/internal/transport"
	"github.com/scenesync/scenesync/internal/types"
)

func ackOK(id int64, users []types.Participant) *transport.ServerFrame {
	return &transport.ServerFrame{
		Id:  id,
		Ack: &transport.Ack{Success: true, Users: users},
	}
}

func ackErr(id int64, msg string) *transport.ServerFrame {
	return &transport.ServerFrame{
		Id:  id,
		Ack: &transport.Ack{Success: false, Error: msg},
	}
}

// eventFrame wraps an envelope into a pushed server frame. A marshal failure
// here is a programming error; the frame is sent with empty data instead of
// dropping the event.
func eventFrame(event string, env types.Envelope) *transport.ServerFrame {
	data, err := json.Marshal(env)
	if err != nil {
		data = nil
	}
	return &transport.ServerFrame{Event: event, Data: data}
}

func envelopeFor(user types.User, roomId string, data json.RawMessage) types.Envelope {
	return types.Envelope{
		UserId:    user.Id,
		Username:  user.Username,
		Color:     user.Color,
		RoomId:    roomId,
		Timestamp: types.Now(),
		Data:      data,
	}
}
