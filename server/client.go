package server

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// Client calls a heap service.
type Client struct {
	collect *connect.Client[CollectRequest, CollectResponse]
	stats   *connect.Client[StatsRequest, StatsResponse]
	locate  *connect.Client[LocateRequest, LocateResponse]
	census  *connect.Client[CensusRequest, CensusResponse]
}

// NewClient creates a Client for the service at baseURL, for example
// "http://localhost:7070".
func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	codec := connect.WithCodec(Codec{})
	return &Client{
		collect: connect.NewClient[CollectRequest, CollectResponse](httpClient, baseURL+CollectProcedure, codec),
		stats:   connect.NewClient[StatsRequest, StatsResponse](httpClient, baseURL+StatsProcedure, codec),
		locate:  connect.NewClient[LocateRequest, LocateResponse](httpClient, baseURL+LocateProcedure, codec),
		census:  connect.NewClient[CensusRequest, CensusResponse](httpClient, baseURL+CensusProcedure, codec),
	}
}

// Collect runs a cycle on the remote heap.
func (c *Client) Collect(ctx context.Context, req *CollectRequest) (*CollectResponse, error) {
	resp, err := c.collect.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Stats fetches the remote heap's state.
func (c *Client) Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	resp, err := c.stats.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Locate asks for the object containing an address.
func (c *Client) Locate(ctx context.Context, req *LocateRequest) (*LocateResponse, error) {
	resp, err := c.locate.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Census fetches a census of the remote heap.
func (c *Client) Census(ctx context.Context) (*CensusResponse, error) {
	resp, err := c.census.CallUnary(ctx, connect.NewRequest(&CensusRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
