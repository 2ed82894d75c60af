package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"surveyagent/internal/protocol"
	"surveyagent/internal/registry"
)

func registerSupervisor(api huma.API, r *registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID:      "register-agent",
		Method:           http.MethodPost,
		Path:             "/register",
		Summary:          "Register a worker agent",
		SkipValidateBody: true,
		Errors:           []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body protocol.Registration `json:"body"`
	}) (*struct {
		Body RegisterResponse `json:"body"`
	}, error) {
		a, err := r.Register(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegisterResponse `json:"body"`
		}{Body: RegisterResponse{Success: true, Message: "Agent registered successfully", Agent: a}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:      "agent-heartbeat",
		Method:           http.MethodPost,
		Path:             "/heartbeat",
		Summary:          "Record an agent heartbeat",
		SkipValidateBody: true,
		Errors:           []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body protocol.Heartbeat `json:"body"`
	}) (*struct {
		Body SuccessResponse `json:"body"`
	}, error) {
		if _, err := r.Heartbeat(input.Body); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SuccessResponse `json:"body"`
		}{Body: SuccessResponse{Success: true, Message: "Heartbeat updated"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List registered agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentsResponse `json:"body"`
	}, error) {
		return &struct {
			Body AgentsResponse `json:"body"`
		}{Body: AgentsResponse{Agents: r.List()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_name}",
		Summary:     "Get a registered agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentName string `path:"agent_name"`
	}) (*struct {
		Body registry.Agent `json:"body"`
	}, error) {
		a, err := r.Get(input.AgentName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body registry.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deregister-agent",
		Method:      http.MethodDelete,
		Path:        "/agents/{agent_name}",
		Summary:     "Deregister an agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentName string `path:"agent_name"`
	}) (*struct {
		Body SuccessResponse `json:"body"`
	}, error) {
		if err := r.Deregister(input.AgentName); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SuccessResponse `json:"body"`
		}{Body: SuccessResponse{Success: true, Message: "Agent deregistered"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "receive-agent-message",
		Method:      http.MethodPost,
		Path:        "/messages",
		Summary:     "Receive a message from an agent",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MessageAck `json:"body"`
	}, error) {
		env, err := protocol.Parse(bodyBytes(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		r.Receive(env)
		return &struct {
			Body MessageAck `json:"body"`
		}{Body: MessageAck{Status: "received", MessageID: env.MessageID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "List received messages",
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit" minimum:"0" maximum:"500"`
		Type  string `query:"type"`
	}) (*struct {
		Body MessagesResponse `json:"body"`
	}, error) {
		return &struct {
			Body MessagesResponse `json:"body"`
		}{Body: MessagesResponse{Messages: r.Messages(input.Limit, protocol.MessageType(input.Type))}}, nil
	})
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
