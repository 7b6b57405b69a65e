package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/market"
	"github.com/atmx/nft-market/internal/model"
)

// apiClient issues REST calls against a running server as one account.
type apiClient struct {
	base    string
	account string
	http    *http.Client
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.base, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.account != "" {
		req.Header.Set(market.AccountHeader, c.account)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func itemPath(collection, itemID string) string {
	return "/api/v1/listings/" + url.PathEscape(collection) + "/" + url.PathEscape(itemID)
}

func withCollection(path, collection string) string {
	if collection == "" {
		return path
	}
	return path + "?collection=" + url.QueryEscape(collection)
}

func (c *apiClient) List(ctx context.Context, collection, itemID string, price decimal.Decimal) (*model.Listing, error) {
	var out model.Listing
	req := market.CreateListingRequest{Collection: collection, ItemID: itemID, Price: price}
	if err := c.do(ctx, http.MethodPost, "/api/v1/listings", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Get(ctx context.Context, collection, itemID string) (*model.Listing, error) {
	var out model.Listing
	if err := c.do(ctx, http.MethodGet, itemPath(collection, itemID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) UpdatePrice(ctx context.Context, collection, itemID string, price decimal.Decimal) (*model.Listing, error) {
	var out model.Listing
	req := market.UpdatePriceRequest{Price: price}
	if err := c.do(ctx, http.MethodPut, itemPath(collection, itemID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Cancel(ctx context.Context, collection, itemID string) error {
	return c.do(ctx, http.MethodDelete, itemPath(collection, itemID), nil, nil)
}

func (c *apiClient) Buy(ctx context.Context, collection, itemID string, payment decimal.Decimal) (*model.Sale, error) {
	var out model.Sale
	req := market.BuyRequest{Payment: payment}
	if err := c.do(ctx, http.MethodPost, itemPath(collection, itemID)+"/buy", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Proceeds(ctx context.Context, seller string) (*market.ProceedsResponse, error) {
	var out market.ProceedsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/proceeds/"+url.PathEscape(seller), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Withdraw(ctx context.Context) (*market.ProceedsResponse, error) {
	var out market.ProceedsResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/proceeds/withdraw", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Listings(ctx context.Context, collection string) ([]model.Listing, error) {
	var out []model.Listing
	if err := c.do(ctx, http.MethodGet, withCollection("/api/v1/listings", collection), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) Sales(ctx context.Context, collection string) ([]model.Sale, error) {
	var out []model.Sale
	if err := c.do(ctx, http.MethodGet, withCollection("/api/v1/sales", collection), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
