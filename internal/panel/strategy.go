package panel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Encoding selects how a strategy sends its body.
type Encoding int

const (
	EncodingNone Encoding = iota
	EncodingJSON
	EncodingForm
)

func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "json"
	case EncodingForm:
		return "form"
	default:
		return "none"
	}
}

// Strategy is one concrete way of performing a panel operation:
// a method, a path and a body shape. Operations hold an ordered list of them.
type Strategy struct {
	Name     string
	Method   string
	Path     string
	Encoding Encoding
	JSON     interface{}
	Form     map[string]string
	Query    map[string]string
}

func (s Strategy) String() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s %s (%s)", s.Method, s.Path, s.Encoding)
}

func getStrategy(path string) Strategy {
	return Strategy{Method: http.MethodGet, Path: path}
}

func postJSON(path string, body interface{}) Strategy {
	return Strategy{Method: http.MethodPost, Path: path, Encoding: EncodingJSON, JSON: body}
}

func postForm(path string, form map[string]string) Strategy {
	return Strategy{Method: http.MethodPost, Path: path, Encoding: EncodingForm, Form: form}
}

// Accept inspects a response and returns nil when it is usable.
type Accept func(resp *Response) error

// tryStrategies executes strategies in order until accept passes for one of them.
// The error of the last attempt is returned when none passes. ErrAuth and
// ErrConflict abort the sequence: no other path can change either answer.
func (s *Session) tryStrategies(ctx context.Context, op string, strategies []Strategy, accept Accept) (*Response, Strategy, error) {
	var lastErr error
	for _, st := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, st, err
		}
		resp, err := s.Execute(ctx, st)
		if err == nil && accept != nil {
			err = accept(resp)
		}
		if err == nil {
			return resp, st, nil
		}
		s.logger.Debug("Panel strategy failed",
			zap.String("op", op),
			zap.String("strategy", st.String()),
			zap.Error(err),
		)
		lastErr = err
		if errors.Is(err, ErrAuth) || errors.Is(err, ErrConflict) {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%s: no strategies", op)
	}
	return nil, Strategy{}, fmt.Errorf("%s: %w", op, lastErr)
}

// acceptEnvelope accepts responses whose envelope does not explicitly report failure.
func acceptEnvelope(resp *Response) error {
	env, err := resp.Envelope()
	if err != nil {
		return err
	}
	if env.Success != nil && !*env.Success {
		return &RejectedError{Path: resp.Path, Msg: env.Msg}
	}
	return nil
}

func isDuplicateMsg(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "duplicate") || strings.Contains(m, "already exist")
}
