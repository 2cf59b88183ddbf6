package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls TrustLedger methods with plain Go values on both sides.
type Client struct {
	cc    grpc.ClientConnInterface
	actor string
}

func NewClient(cc grpc.ClientConnInterface, actor string) *Client {
	return &Client{cc: cc, actor: actor}
}

// Call JSON-encodes req into a Struct, invokes method and decodes the reply
// into resp when resp is non-nil.
func (c *Client) Call(ctx context.Context, method string, req, resp any) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	in := &structpb.Struct{}
	if err := in.UnmarshalJSON(raw); err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	if c.actor != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, ActorMetadataKey, c.actor)
	}
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	raw, err = out.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return json.Unmarshal(raw, resp)
}
