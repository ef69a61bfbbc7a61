package realtime

import "encoding/json"

// Websocket frame names exchanged between Gateway and Dial.
const (
	frameConnectionEstablished = "realtime:connection_established"
	frameSubscribe             = "realtime:subscribe"
	frameUnsubscribe           = "realtime:unsubscribe"
	frameSubscriptionSucceeded = "realtime:subscription_succeeded"
	frameSubscriptionError     = "realtime:subscription_error"
	frameSubscriptionEnded     = "realtime:subscription_ended"
	frameError                 = "realtime:error"
)

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type connectionEstablishedData struct {
	SocketID string `json:"socket_id"`
}

type subscribeData struct {
	Auth string `json:"auth"`
}

type subscriptionSucceededData struct {
	Members []Member `json:"members"`
}

type errorData struct {
	Error string `json:"error"`
}

func newFrame(event, channel string, data any) (frame, error) {
	result := frame{Event: event, Channel: channel}
	if data == nil {
		return result, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return frame{}, err
	}
	result.Data = encoded
	return result, nil
}

// eventFrame renders a hub event for the wire.
func eventFrame(event Event) (frame, error) {
	if event.Member != nil {
		return newFrame(event.Name, event.Channel, event.Member)
	}
	return frame{Event: event.Name, Channel: event.Channel, Data: event.Data}, nil
}

// frameEvent parses a wire frame back into an Event.
func frameEvent(incoming frame) (Event, error) {
	event := Event{Channel: incoming.Channel, Name: incoming.Event}
	if IsMembershipEvent(incoming.Event) {
		var member Member
		if err := json.Unmarshal(incoming.Data, &member); err != nil {
			return Event{}, err
		}
		event.Member = &member
		return event, nil
	}
	event.Data = incoming.Data
	return event, nil
}
