package treeow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// apiCode accepts a status code sent as a JSON number or string.
type apiCode int

func (c *apiCode) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("status code %s: %w", b, err)
	}
	*c = apiCode(n)
	return nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

type status struct {
	Code    apiCode `json:"code"`
	Message string  `json:"message"`
	Msg     string  `json:"msg"`
}

func (s *status) text() string {
	if s.Message != "" {
		return s.Message
	}
	return s.Msg
}

// envelope is the common response wrapper. The cloud reports success in
// one of three shapes: a meta object, a result object or top-level fields.
type envelope struct {
	Meta     *status            `json:"meta"`
	Result   *status            `json:"result"`
	Code     apiCode            `json:"code"`
	Msg      string             `json:"msg"`
	Data     json.RawMessage    `json:"data"`
	Profiles map[string]profile `json:"profiles"`
}

// check returns ErrAPI unless the envelope reports code 200 without an
// error message.
func (e *envelope) check() error {
	var st status
	switch {
	case e.Meta != nil:
		st = *e.Meta
	case e.Result != nil:
		st = *e.Result
	default:
		st = status{Code: e.Code, Msg: e.Msg}
	}
	msg := st.text()
	if st.Code != 200 || strings.Contains(msg, "error") {
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Errorf("%w: code %d: %s", ErrAPI, st.Code, msg)
	}
	return nil
}

func decodeEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if err := env.check(); err != nil {
		return nil, err
	}
	return &env, nil
}
