package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ttbazaar/chatd/internal/model"
	"go.uber.org/zap"
)

// page mirrors the backend's paged response envelope.
type page[T any] struct {
	Content       []T   `json:"content"`
	TotalPages    int   `json:"totalPages"`
	TotalElements int64 `json:"totalElements"`
	Size          int   `json:"size"`
	Number        int   `json:"number"`
}

// Client talks to the storefront backend's conversation REST API. It covers
// room creation, room listings and message history; live traffic goes over
// the broker connection instead.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a backend API client.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// GetOrCreateRoom returns the room between a buyer and a shop, creating it
// if it does not exist yet. Passing an order id scopes the room to that
// order.
func (c *Client) GetOrCreateRoom(ctx context.Context, buyerID, shopID int64, orderID *int64) (*model.Room, error) {
	q := url.Values{}
	q.Set("buyerId", strconv.FormatInt(buyerID, 10))
	q.Set("shopId", strconv.FormatInt(shopID, 10))
	if orderID != nil {
		q.Set("orderId", strconv.FormatInt(*orderID, 10))
	}

	var room model.Room
	if err := c.do(ctx, http.MethodPost, "/chat/rooms", q, &room); err != nil {
		return nil, fmt.Errorf("failed to get or create room: %w", err)
	}
	return &room, nil
}

// RoomsForBuyer lists every room the buyer participates in.
func (c *Client) RoomsForBuyer(ctx context.Context, buyerID int64) ([]*model.Room, error) {
	q := url.Values{}
	q.Set("buyerId", strconv.FormatInt(buyerID, 10))
	rooms, err := c.allRooms(ctx, "/chat/rooms/buyer", q)
	if err != nil {
		return nil, fmt.Errorf("failed to list buyer rooms: %w", err)
	}
	return rooms, nil
}

// RoomsForSeller lists every room belonging to the shop.
func (c *Client) RoomsForSeller(ctx context.Context, shopID int64) ([]*model.Room, error) {
	q := url.Values{}
	q.Set("shopId", strconv.FormatInt(shopID, 10))
	rooms, err := c.allRooms(ctx, "/chat/rooms/seller", q)
	if err != nil {
		return nil, fmt.Errorf("failed to list seller rooms: %w", err)
	}
	return rooms, nil
}

// Messages fetches one page of a room's history, oldest first. The second
// return value is the total number of pages.
func (c *Client) Messages(ctx context.Context, roomID int64, pageNum, size int) ([]*model.Message, int, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(pageNum))
	q.Set("size", strconv.Itoa(size))

	var p page[model.WireMessage]
	path := fmt.Sprintf("/chat/rooms/%d/messages", roomID)
	if err := c.do(ctx, http.MethodGet, path, q, &p); err != nil {
		return nil, 0, fmt.Errorf("failed to fetch messages for room %d: %w", roomID, err)
	}

	msgs := make([]*model.Message, 0, len(p.Content))
	for i := range p.Content {
		msgs = append(msgs, p.Content[i].ToMessage())
	}
	return msgs, p.TotalPages, nil
}

func (c *Client) allRooms(ctx context.Context, path string, q url.Values) ([]*model.Room, error) {
	var rooms []*model.Room
	for pageNum := 0; ; pageNum++ {
		q.Set("page", strconv.Itoa(pageNum))
		q.Set("size", "50")

		var p page[model.Room]
		if err := c.do(ctx, http.MethodGet, path, q, &p); err != nil {
			return nil, err
		}
		for i := range p.Content {
			room := p.Content[i]
			rooms = append(rooms, &room)
		}
		if pageNum+1 >= p.TotalPages {
			return rooms, nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("backend request failed",
			zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
