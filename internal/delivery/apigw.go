package delivery

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
)

// PostToConnectionAPI is the part of the API Gateway Management API client
// the pusher needs.
type PostToConnectionAPI interface {
	PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, opts ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// APIGatewayPusher pushes frames to connections held by an API Gateway
// WebSocket API. Any replica can push to any connection, so it is the
// transport to use when the service runs on more than one node.
type APIGatewayPusher struct {
	client PostToConnectionAPI
}

// NewAPIGatewayClient builds a management API client for the given stage
// endpoint. A wss:// endpoint is accepted and rewritten to https://.
func NewAPIGatewayClient(cfg aws.Config, endpoint string) *apigatewaymanagementapi.Client {
	endpoint = strings.Replace(endpoint, "wss://", "https://", 1)
	return apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
}

func NewAPIGatewayPusher(client PostToConnectionAPI) *APIGatewayPusher {
	return &APIGatewayPusher{client: client}
}

var _ Pusher = (*APIGatewayPusher)(nil)

func (p *APIGatewayPusher) Push(ctx context.Context, connectionID string, payload []byte) Result {
	_, err := p.client.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         payload,
	})
	if err == nil {
		return Delivered()
	}
	var gone *types.GoneException
	if errors.As(err, &gone) {
		return Gone(err)
	}
	return Failed(err)
}
