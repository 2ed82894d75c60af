package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"surveyagent/internal/agent"
	"surveyagent/internal/domain"
	"surveyagent/internal/protocol"
)

func registerAnalyze(api huma.API, a *agent.SurveyAgent) {
	huma.Register(api, huma.Operation{
		OperationID:      "analyze",
		Method:           http.MethodPost,
		Path:             "/analyze",
		Summary:          "Decide whether to trigger a survey",
		SkipValidateBody: true,
		Errors:           []int{http.StatusBadRequest, http.StatusGatewayTimeout, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body domain.TaskInput `json:"body"`
	}) (*struct {
		Body domain.SurveyResponse `json:"body"`
	}, error) {
		decision, err := a.Analyze(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SurveyResponse `json:"body"`
		}{Body: decision.Response()}, nil
	})
}

func registerAgentMessages(api huma.API, a *agent.SurveyAgent, log *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "receive-message",
		Method:      http.MethodPost,
		Path:        "/messages",
		Summary:     "Deliver a protocol message to the agent",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Status int
		Body   MessageAck `json:"body"`
	}, error) {
		raw := bodyBytes(ctx)
		if len(raw) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		report, err := a.HandleIncomingMessage(ctx, raw)
		if err != nil {
			return nil, handleError(err)
		}
		env, _ := protocol.Parse(raw)
		out := &struct {
			Status int
			Body   MessageAck `json:"body"`
		}{Status: http.StatusAccepted, Body: MessageAck{Status: "accepted", MessageID: env.MessageID}}
		if report != nil {
			out.Status = http.StatusOK
			out.Body.Status = "completed"
			out.Body.Report = report
		}
		log.Debug("Message handled", zap.String("message_id", env.MessageID), zap.Int("status", out.Status))
		return out, nil
	})
}

func registerAgentStatus(api huma.API, a *agent.SurveyAgent) {
	huma.Register(api, huma.Operation{
		OperationID: "agent-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Agent status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body agent.Status `json:"body"`
	}, error) {
		return &struct {
			Body agent.Status `json:"body"`
		}{Body: a.Status(ctx)}, nil
	})
}

func registerLTM(api huma.API, a *agent.SurveyAgent) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ltm-keys",
		Method:      http.MethodGet,
		Path:        "/ltm/keys",
		Summary:     "List long-term memory keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body LTMKeysResponse `json:"body"`
	}, error) {
		keys, err := a.LTMKeys(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LTMKeysResponse `json:"body"`
		}{Body: LTMKeysResponse{Scope: a.Identity().AgentID, Keys: keys}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ltm-entry",
		Method:      http.MethodGet,
		Path:        "/ltm/keys/{key}",
		Summary:     "Read a long-term memory entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body LTMEntryResponse `json:"body"`
	}, error) {
		entry, err := a.LTMEntry(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LTMEntryResponse `json:"body"`
		}{Body: LTMEntryResponse{Key: input.Key, Value: entry.Value, StoredAt: entry.StoredAt}}, nil
	})
}

func registerOutbox(api huma.API, a *agent.SurveyAgent) {
	huma.Register(api, huma.Operation{
		OperationID: "list-outbox",
		Method:      http.MethodGet,
		Path:        "/outbox",
		Summary:     "Messages sent by the agent",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OutboxResponse `json:"body"`
	}, error) {
		return &struct {
			Body OutboxResponse `json:"body"`
		}{Body: OutboxResponse{Items: a.Outbox()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-outbox",
		Method:      http.MethodDelete,
		Path:        "/outbox",
		Summary:     "Clear the outbox",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SuccessResponse `json:"body"`
	}, error) {
		n := a.ClearOutbox()
		return &struct {
			Body SuccessResponse `json:"body"`
		}{Body: SuccessResponse{Success: true, Message: plural(n, "message") + " cleared"}}, nil
	})
}
