package remote

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"constph/internal/model"
	"constph/internal/ncmc"
)

// Client is an ncmc.Engine backed by a remote engine service.
type Client struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

var _ ncmc.Engine = (*Client)(nil)

// Dial connects to an engine service at addr.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewClient uses an existing connection; Close leaves it open.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetParameters(ctx context.Context, params []model.ParticleParameters) error {
	req := parametersRequest{Particles: make([]particle, len(params))}
	for i, p := range params {
		req.Particles[i] = particle(p)
	}
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	if _, err := c.invoke(ctx, "SetParameters", in); err != nil {
		return fmt.Errorf("set parameters rpc: %w", err)
	}
	return nil
}

func (c *Client) PotentialEnergy(ctx context.Context) (float64, error) {
	out, err := c.invoke(ctx, "PotentialEnergy", &structpb.Struct{})
	if err != nil {
		return 0, fmt.Errorf("potential energy rpc: %w", err)
	}
	var resp energyResponse
	if err := fromStruct(out, &resp); err != nil {
		return 0, fmt.Errorf("decode energy: %w", err)
	}
	return resp.EnergyKJ, nil
}

func (c *Client) Step(ctx context.Context, steps int) error {
	in, err := toStruct(stepRequest{Steps: steps})
	if err != nil {
		return err
	}
	if _, err := c.invoke(ctx, "Step", in); err != nil {
		return fmt.Errorf("step rpc: %w", err)
	}
	return nil
}

func (c *Client) Snapshot(ctx context.Context) (ncmc.Snapshot, error) {
	out, err := c.invoke(ctx, "Snapshot", &structpb.Struct{})
	if err != nil {
		return ncmc.Snapshot{}, fmt.Errorf("snapshot rpc: %w", err)
	}
	var snap snapshotPayload
	if err := fromStruct(out, &snap); err != nil {
		return ncmc.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return ncmc.Snapshot(snap), nil
}

func (c *Client) Restore(ctx context.Context, snapshot ncmc.Snapshot) error {
	in, err := toStruct(snapshotPayload(snapshot))
	if err != nil {
		return err
	}
	if _, err := c.invoke(ctx, "Restore", in); err != nil {
		return fmt.Errorf("restore rpc: %w", err)
	}
	return nil
}
