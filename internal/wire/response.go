package wire

import "harness-mux/internal/ctlerr"

// Response is the server's reply to a command request. Exactly one of
// Error/Fields is meaningful depending on OK.
type Response struct {
	OK     bool            `json:"ok"`
	Error  *ResponseError  `json:"error,omitempty"`
	Fields map[string]any  `json:"-"`
}

// ResponseError mirrors ctlerr.Error on the wire.
type ResponseError struct {
	Kind    ctlerr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// OKResponse builds a success response carrying the given fields, merged
// alongside `ok: true` when marshaled by the connection writer.
func OKResponse(fields map[string]any) Response {
	return Response{OK: true, Fields: fields}
}

// ErrResponse builds a failure response from a ctlerr.Error.
func ErrResponse(err *ctlerr.Error) Response {
	return Response{OK: false, Error: &ResponseError{Kind: err.Kind, Message: err.Message}}
}

// MarshalJSON flattens Fields alongside the ok/error keys, matching the
// wire shape `{ok: true, ...fields}` / `{ok: false, error:{...}}`.
func (r Response) MarshalJSON() ([]byte, error) {
	out := map[string]any{"ok": r.OK}
	if r.Error != nil {
		out["error"] = r.Error
	}
	for k, v := range r.Fields {
		out[k] = v
	}
	return jsonMarshal(out)
}

// KindFromAny coerces a decoded error.kind value (a bare string once
// round-tripped through an untyped map[string]any) back into a ctlerr.Kind,
// used by RemoteClient's response demuxer.
func KindFromAny(v any) ctlerr.Kind {
	s, _ := v.(string)
	return ctlerr.Kind(s)
}
