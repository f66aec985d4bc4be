// Package bdd runs the Gherkin feature files under features/ against the
// HTTP routes, backed by a fresh SQLite database per scenario.
package bdd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/chirino/conversation-service/internal/plugin/route/conversations"
	"github.com/chirino/conversation-service/internal/plugin/route/participants"
	"github.com/chirino/conversation-service/internal/plugin/route/readstate"
	"github.com/chirino/conversation-service/internal/testutil/testsvc"
	"github.com/cucumber/godog"
	"github.com/itchyny/gojq"
)

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// scenario is the per-scenario state shared by the step definitions.
type scenario struct {
	t         *testing.T
	env       *testsvc.Env
	response  *httptest.ResponseRecorder
	variables map[string]string
}

func newScenario(t *testing.T) *scenario {
	env := testsvc.New(t)
	conversations.MountRoutes(env.Router, env.Membership, env.Auth)
	participants.MountRoutes(env.Router, env.Membership, env.Auth)
	readstate.MountRoutes(env.Router, readstate.Services{
		Reads:    env.Reads,
		Unread:   env.Unread,
		Messages: env.Messages,
	}, env.Auth)
	return &scenario{t: t, env: env, variables: map[string]string{}}
}

func (s *scenario) expand(text string) string {
	return variablePattern.ReplaceAllStringFunc(text, func(m string) string {
		name := variablePattern.FindStringSubmatch(m)[1]
		if v, ok := s.variables[name]; ok {
			return v
		}
		return os.Getenv(name)
	})
}

func (s *scenario) send(user, method, path string, body any) {
	s.response = s.env.Do(s.t, method, s.expand(path), user, body)
}

func (s *scenario) createsConversation(user, kind, others string) error {
	var users []string
	for _, u := range strings.Split(others, ",") {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	s.send(user, http.MethodPost, "/v1/conversations", map[string]any{
		"kind":         kind,
		"participants": users,
	})
	if s.response.Code != http.StatusCreated {
		return fmt.Errorf("create conversation: %d %s", s.response.Code, s.response.Body.String())
	}
	return s.storeField(".id", "conversationId")
}

func (s *scenario) sendsRequest(user, method, path string) error {
	s.send(user, method, path, nil)
	return nil
}

func (s *scenario) sendsRequestWithBody(user, method, path string, body *godog.DocString) error {
	s.send(user, method, path, json.RawMessage(s.expand(body.Content)))
	return nil
}

func (s *scenario) responseCodeShouldBe(expected int) error {
	if s.response == nil {
		return fmt.Errorf("no request has been sent")
	}
	if s.response.Code != expected {
		return fmt.Errorf("expected status %d but got %d: %s", expected, s.response.Code, s.response.Body.String())
	}
	return nil
}

// selectField evaluates a jq selector against the last JSON response.
func (s *scenario) selectField(selector string) (any, error) {
	if s.response == nil {
		return nil, fmt.Errorf("no request has been sent")
	}
	var doc any
	if err := json.Unmarshal(s.response.Body.Bytes(), &doc); err != nil {
		return nil, fmt.Errorf("response is not JSON: %w", err)
	}
	query, err := gojq.Parse(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	v, ok := query.Run(doc).Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, err
	}
	return v, nil
}

func (s *scenario) fieldShouldBe(selector, expected string) error {
	v, err := s.selectField(selector)
	if err != nil {
		return err
	}
	if actual := fmt.Sprint(v); actual != s.expand(expected) {
		return fmt.Errorf("%s: expected %q but got %q", selector, expected, actual)
	}
	return nil
}

func (s *scenario) fieldShouldNotBeNull(selector string) error {
	v, err := s.selectField(selector)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("%s is null in %s", selector, s.response.Body.String())
	}
	return nil
}

func (s *scenario) storeField(selector, name string) error {
	v, err := s.selectField(selector)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("%s is null in %s", selector, s.response.Body.String())
	}
	s.variables[name] = fmt.Sprint(v)
	return nil
}

func (s *scenario) shouldHaveUnread(user string, expected int) error {
	s.send(user, http.MethodGet, "/v1/unread-count", nil)
	if err := s.responseCodeShouldBe(http.StatusOK); err != nil {
		return err
	}
	return s.fieldShouldBe(".count", fmt.Sprint(expected))
}

func initializeScenario(t *testing.T) func(*godog.ScenarioContext) {
	return func(ctx *godog.ScenarioContext) {
		var s *scenario
		ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
			s = newScenario(t)
			return ctx, nil
		})

		ctx.Step(`^"([^"]*)" creates a (group|direct) conversation with "([^"]*)"$`, func(user, kind, others string) error {
			return s.createsConversation(user, kind, others)
		})
		ctx.Step(`^"([^"]*)" sends a (GET|POST|PATCH|DELETE) request to "([^"]*)"$`, func(user, method, path string) error {
			return s.sendsRequest(user, method, path)
		})
		ctx.Step(`^"([^"]*)" sends a (POST|PATCH) request to "([^"]*)" with body:$`, func(user, method, path string, body *godog.DocString) error {
			return s.sendsRequestWithBody(user, method, path, body)
		})
		ctx.Step(`^the response code should be (\d+)$`, func(code int) error {
			return s.responseCodeShouldBe(code)
		})
		ctx.Step(`^the response field "(.*)" should be "([^"]*)"$`, func(selector, expected string) error {
			return s.fieldShouldBe(selector, expected)
		})
		ctx.Step(`^the response field "(.*)" should not be null$`, func(selector string) error {
			return s.fieldShouldNotBeNull(selector)
		})
		ctx.Step(`^I store the response field "(.*)" as "([^"]*)"$`, func(selector, name string) error {
			return s.storeField(selector, name)
		})
		ctx.Step(`^"([^"]*)" should have (\d+) unread messages?$`, func(user string, n int) error {
			return s.shouldHaveUnread(user, n)
		})
	}
}
