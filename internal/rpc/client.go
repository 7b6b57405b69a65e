package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/atmx/nft-market/internal/model"
)

// Client calls the Ledger service over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// WithAccount returns a context that identifies the caller as account.
func WithAccount(ctx context.Context, account string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, AccountKey, account)
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
}

func (c *Client) List(ctx context.Context, in *ListRequest) (*model.Listing, error) {
	out := new(model.Listing)
	if err := c.invoke(ctx, "List", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Cancel(ctx context.Context, in *ItemRequest) error {
	return c.invoke(ctx, "Cancel", in, new(Empty))
}

func (c *Client) UpdatePrice(ctx context.Context, in *UpdatePriceRequest) (*model.Listing, error) {
	out := new(model.Listing)
	if err := c.invoke(ctx, "UpdatePrice", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Buy(ctx context.Context, in *BuyRequest) (*model.Sale, error) {
	out := new(model.Sale)
	if err := c.invoke(ctx, "Buy", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Withdraw(ctx context.Context) (*ProceedsReply, error) {
	out := new(ProceedsReply)
	if err := c.invoke(ctx, "Withdraw", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetListing(ctx context.Context, in *ItemRequest) (*model.Listing, error) {
	out := new(model.Listing)
	if err := c.invoke(ctx, "GetListing", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetProceeds(ctx context.Context, seller string) (*ProceedsReply, error) {
	out := new(ProceedsReply)
	if err := c.invoke(ctx, "GetProceeds", &ProceedsRequest{Seller: seller}, out); err != nil {
		return nil, err
	}
	return out, nil
}
