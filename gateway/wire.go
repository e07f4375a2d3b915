package gateway

import (
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"

	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/utils"
)

// Op is a gateway request type.
type Op string

// The request types a session honors.
const (
	OpResolve = Op("resolve")
	OpInvoke  = Op("invoke")
	OpRelease = Op("release")
	OpPing    = Op("ping")
	OpList    = Op("list")
)

// Response status values.
const (
	statusOK    = "ok"
	statusError = "error"
)

// Message field names.
const (
	fieldID        = "id"
	fieldSessionID = "session_id"
	fieldOp        = "op"
	fieldTarget    = "target"
	fieldPayload   = "payload"
	fieldStatus    = "status"
	fieldResult    = "result"
	fieldError     = "error"
	fieldKind      = "kind"
	fieldMessage   = "message"
	fieldDetail    = "detail"

	fieldAction = "action"
	fieldName   = "name"
	fieldArgs   = "args"
	fieldValue  = "value"
)

type request struct {
	ID        int64
	SessionID string
	Op        Op
	Target    string
	Payload   map[string]interface{}
}

type response struct {
	ID     int64
	Result interface{}
	Err    *RemoteError
}

// Normalize converts v into the form it takes after crossing the gateway: JSON objects become
// map[string]interface{}, arrays []interface{} and every number float64.
func Normalize(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "value is not serializable")
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "value is not serializable")
	}
	return out, nil
}

func normalizeMap(m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	v, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	out, ok := v.(map[string]interface{})
	if !ok {
		return nil, utils.NewUnexpectedTypeError[map[string]interface{}](v)
	}
	return out, nil
}

func encodeRequest(req request) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		fieldID:        req.ID,
		fieldSessionID: req.SessionID,
		fieldOp:        string(req.Op),
		fieldTarget:    req.Target,
	}
	if req.Payload != nil {
		payload, err := normalizeMap(req.Payload)
		if err != nil {
			return nil, err
		}
		fields[fieldPayload] = payload
	}
	return structpb.NewStruct(fields)
}

func decodeRequest(msg *structpb.Struct) (request, error) {
	m := msg.AsMap()
	var req request
	id, ok := m[fieldID].(float64)
	if !ok {
		return req, errors.New("request has no numeric id")
	}
	req.ID = int64(id)
	req.SessionID, _ = m[fieldSessionID].(string)
	op, _ := m[fieldOp].(string)
	req.Op = Op(op)
	switch req.Op {
	case OpResolve, OpInvoke, OpRelease, OpPing, OpList:
	default:
		return req, errors.Errorf("unknown op %q", op)
	}
	req.Target, _ = m[fieldTarget].(string)
	if raw, ok := m[fieldPayload]; ok && raw != nil {
		payload, ok := raw.(map[string]interface{})
		if !ok {
			return req, errors.New("payload must be an object")
		}
		req.Payload = payload
	}
	return req, nil
}

func encodeResponse(resp response) (*structpb.Struct, error) {
	fields := map[string]interface{}{fieldID: resp.ID}
	if resp.Err != nil {
		errFields := map[string]interface{}{
			fieldKind:    string(resp.Err.Kind),
			fieldMessage: resp.Err.Message,
		}
		if resp.Err.Detail != nil {
			detail, err := normalizeMap(resp.Err.Detail)
			if err != nil {
				return nil, err
			}
			errFields[fieldDetail] = detail
		}
		fields[fieldStatus] = statusError
		fields[fieldError] = errFields
		return structpb.NewStruct(fields)
	}
	result, err := Normalize(resp.Result)
	if err != nil {
		return nil, err
	}
	fields[fieldStatus] = statusOK
	fields[fieldResult] = result
	return structpb.NewStruct(fields)
}

func decodeResponse(msg *structpb.Struct) (response, error) {
	m := msg.AsMap()
	var resp response
	id, ok := m[fieldID].(float64)
	if !ok {
		return resp, errors.New("response has no numeric id")
	}
	resp.ID = int64(id)
	switch m[fieldStatus] {
	case statusOK:
		resp.Result = m[fieldResult]
	case statusError:
		errFields, ok := m[fieldError].(map[string]interface{})
		if !ok {
			return resp, errors.New("error response without error details")
		}
		kind, _ := errFields[fieldKind].(string)
		message, _ := errFields[fieldMessage].(string)
		detail, _ := errFields[fieldDetail].(map[string]interface{})
		resp.Err = &RemoteError{Kind: ErrorKind(kind), Message: message, Detail: detail}
	default:
		return resp, errors.Errorf("unknown response status %v", m[fieldStatus])
	}
	return resp, nil
}

func invokePayload(req module.Request) map[string]interface{} {
	payload := map[string]interface{}{
		fieldAction: string(req.Action),
		fieldName:   req.Name,
	}
	if req.Args != nil {
		payload[fieldArgs] = map[string]interface{}(req.Args)
	}
	if req.Value != nil {
		payload[fieldValue] = req.Value
	}
	return payload
}

func invokeRequest(payload map[string]interface{}) (module.Request, error) {
	var req module.Request
	action, _ := payload[fieldAction].(string)
	req.Action = module.Action(action)
	if err := req.Action.Validate(); err != nil {
		return req, err
	}
	name, _ := payload[fieldName].(string)
	if name == "" {
		return req, errors.New("invoke payload has no name")
	}
	req.Name = name
	if raw, ok := payload[fieldArgs]; ok && raw != nil {
		args, ok := raw.(map[string]interface{})
		if !ok {
			return req, errors.New("invoke args must be an object")
		}
		req.Args = args
	}
	req.Value = payload[fieldValue]
	return req, nil
}
