package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/aess/internal/domain"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire format of the responder stream. Requests and events travel as
// google.protobuf.Struct so either side can evolve fields independently.
const (
	responderServiceName = "aess.responder.v1.Responder"
	responderStreamName  = "Stream"
	responderStreamPath  = "/" + responderServiceName + "/" + responderStreamName
)

var errRemoteResponder = errors.New("remote responder error")

func encodeRequest(sc SessionContext, message string) (*structpb.Struct, error) {
	state := map[string]any{}
	for k, raw := range sc.State {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode state %q: %w", k, err)
		}
		state[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"app_name":   sc.AppName,
		"user_id":    sc.UserID,
		"session_id": sc.SessionID,
		"user_name":  sc.UserName,
		"role":       sc.Role,
		"message":    message,
		"state":      state,
	})
}

func decodeRequest(req *structpb.Struct) (SessionContext, string, error) {
	fields := req.GetFields()
	sc := SessionContext{
		AppName:   fields["app_name"].GetStringValue(),
		UserID:    fields["user_id"].GetStringValue(),
		SessionID: fields["session_id"].GetStringValue(),
		UserName:  fields["user_name"].GetStringValue(),
		Role:      fields["role"].GetStringValue(),
		State:     domain.StateBag{},
	}
	for k, v := range fields["state"].GetStructValue().GetFields() {
		raw, err := v.MarshalJSON()
		if err != nil {
			return SessionContext{}, "", fmt.Errorf("encode state %q: %w", k, err)
		}
		sc.State[k] = raw
	}
	return sc, fields["message"].GetStringValue(), nil
}

func encodeEvent(ev *Event) (*structpb.Struct, error) {
	parts := make([]any, 0, len(ev.Parts))
	for _, p := range ev.Parts {
		switch {
		case p.ToolCall != nil:
			parts = append(parts, map[string]any{"tool_call": map[string]any{
				"name": p.ToolCall.Name,
				"args": orEmpty(p.ToolCall.Args),
			}})
		case p.ToolResult != nil:
			parts = append(parts, map[string]any{"tool_result": map[string]any{
				"name":     p.ToolResult.Name,
				"response": orEmpty(p.ToolResult.Response),
			}})
		default:
			parts = append(parts, map[string]any{"text": p.Text})
		}
	}
	return structpb.NewStruct(map[string]any{
		"id":     ev.ID,
		"author": ev.Author,
		"final":  ev.Final,
		"parts":  parts,
	})
}

func encodeError(err error) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"error": structpb.NewStringValue(err.Error()),
	}}
}

// decodeEvent converts a wire message into an Event. A message carrying an
// "error" field is returned as an error.
func decodeEvent(msg *structpb.Struct) (*Event, error) {
	fields := msg.GetFields()
	if e, ok := fields["error"]; ok {
		if text := e.GetStringValue(); text != "" {
			return nil, fmt.Errorf("%w: %s", errRemoteResponder, text)
		}
		return nil, errRemoteResponder
	}

	ev := &Event{
		ID:     fields["id"].GetStringValue(),
		Author: fields["author"].GetStringValue(),
		Final:  fields["final"].GetBoolValue(),
	}
	for _, v := range fields["parts"].GetListValue().GetValues() {
		pf := v.GetStructValue().GetFields()
		switch {
		case pf["tool_call"] != nil:
			call := pf["tool_call"].GetStructValue()
			ev.Parts = append(ev.Parts, Part{ToolCall: &ToolCall{
				Name: call.GetFields()["name"].GetStringValue(),
				Args: call.GetFields()["args"].GetStructValue().AsMap(),
			}})
		case pf["tool_result"] != nil:
			res := pf["tool_result"].GetStructValue()
			ev.Parts = append(ev.Parts, Part{ToolResult: &ToolResult{
				Name:     res.GetFields()["name"].GetStringValue(),
				Response: res.GetFields()["response"].GetStructValue().AsMap(),
			}})
		default:
			ev.Parts = append(ev.Parts, Part{Text: pf["text"].GetStringValue()})
		}
	}
	return ev, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
