// Package gateway предоставляет клиент внешнего платёжного шлюза
// с размещаемой страницей оплаты.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Status описывает согласованный статус транзакции.
type Status string

const (
	// StatusSuccessful — шлюз подтвердил списание средств.
	StatusSuccessful Status = "successful"
	// StatusPending — транзакция не завершена либо шлюз временно недоступен;
	// вызывающая сторона должна повторить запрос позже.
	StatusPending Status = "pending"
	// StatusFailed — шлюз сообщил об окончательной неудаче транзакции.
	StatusFailed Status = "failed"
)

// StatusError возвращается при неожиданном ответе шлюза и несёт его HTTP-код.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected gateway status: %d", e.Code)
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient создаёт клиент шлюза по указанному адресу и секретному ключу.
// Сетевые запросы ограничены таймаутом и повторяются при временных сбоях.
func NewClient(baseURL, secret string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: rc.StandardClient(),
	}
}

// InitializeRequest описывает параметры инициализации платежа.
type InitializeRequest struct {
	AmountCents int64
	Currency    string
	FirstName   string
	Email       string
	Phone       string
	TxRef       string
	CallbackURL string
	ReturnURL   string
	// Meta передаётся шлюзу как есть и возвращается при верификации.
	// Предпочтительный канал для привязки транзакции к визиту.
	Meta map[string]string
}

type initializeBody struct {
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	FirstName   string            `json:"first_name,omitempty"`
	Email       string            `json:"email,omitempty"`
	PhoneNumber string            `json:"phone_number,omitempty"`
	TxRef       string            `json:"tx_ref"`
	CallbackURL string            `json:"callback_url,omitempty"`
	ReturnURL   string            `json:"return_url,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

type initializeResponse struct {
	Status string `json:"status"`
	Data   struct {
		CheckoutURL string `json:"checkout_url"`
	} `json:"data"`
	CheckoutURL string `json:"checkout_url"`
}

// Initialize регистрирует транзакцию на шлюзе и возвращает адрес страницы оплаты.
func (c *Client) Initialize(ctx context.Context, in InitializeRequest) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("gateway client not configured")
	}

	body := initializeBody{
		Amount:      formatAmount(in.AmountCents),
		Currency:    in.Currency,
		FirstName:   in.FirstName,
		Email:       in.Email,
		PhoneNumber: in.Phone,
		TxRef:       in.TxRef,
		CallbackURL: in.CallbackURL,
		ReturnURL:   in.ReturnURL,
		Meta:        in.Meta,
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/transaction/initialize", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Code: resp.StatusCode}
	}

	var result initializeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	url := result.Data.CheckoutURL
	if url == "" {
		url = result.CheckoutURL
	}
	if url == "" {
		return "", fmt.Errorf("gateway returned no checkout url")
	}

	return url, nil
}

// VerifyResult содержит согласованный итог верификации транзакции.
type VerifyResult struct {
	Status      Status
	AmountCents int64
	Currency    string
	Meta        map[string]string
}

type verifyPayload struct {
	Status   string            `json:"status"`
	Amount   float64           `json:"amount"`
	Currency string            `json:"currency"`
	Meta     map[string]string `json:"meta"`
}

type verifyResponse struct {
	verifyPayload
	Data *verifyPayload `json:"data"`
}

// Verify запрашивает статус транзакции. Сетевые сбои, ответ 404 и промежуточные
// статусы шлюза не считаются ошибками: вызывающая сторона получает StatusPending
// и повторяет запрос.
func (c *Client) Verify(ctx context.Context, txRef string) (VerifyResult, error) {
	if c == nil || c.baseURL == "" {
		return VerifyResult{}, fmt.Errorf("gateway client not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/transaction/verify/"+txRef, nil)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Недоступность шлюза — сигнал к повтору, не терминальная ошибка.
		return VerifyResult{Status: StatusPending}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Шлюз ещё не знает транзакцию.
		return VerifyResult{Status: StatusPending}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return VerifyResult{}, &StatusError{Code: resp.StatusCode}
	}

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return VerifyResult{}, fmt.Errorf("decode response: %w", err)
	}

	// Шлюз отдаёт поля либо вложенными в data, либо плоско.
	payload := result.verifyPayload
	if result.Data != nil {
		payload = *result.Data
	}

	return VerifyResult{
		Status:      MapStatus(payload.Status),
		AmountCents: int64(payload.Amount*100 + 0.5),
		Currency:    payload.Currency,
		Meta:        payload.Meta,
	}, nil
}

// MapStatus приводит текстовый статус шлюза к согласованному значению.
// Промежуточные состояния считаются pending.
func MapStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "successful", "completed":
		return StatusSuccessful
	case "pending", "processing", "created", "":
		return StatusPending
	default:
		return StatusFailed
	}
}

func formatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
