package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// InstructionSource computes what a member owes in the current round.
type InstructionSource interface {
	PaymentInstruction(ctx context.Context, poolID, memberID string) (*PaymentInstruction, error)
}

type PaymentQRPayload struct {
	PaymentInstruction
	IssuedAt int64  `json:"timestamp"`
	Nonce    string `json:"nonce"`
}

// PaymentQRService hands a loser a QR code carrying the payment they owe the
// round winner. The winner redeems it once to see what was paid.
type PaymentQRService struct {
	source InstructionSource
	redis  *redis.Client
	ttl    time.Duration
}

func NewPaymentQRService(source InstructionSource, redis *redis.Client, ttl time.Duration) *PaymentQRService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PaymentQRService{
		source: source,
		redis:  redis,
		ttl:    ttl,
	}
}

func paymentQRKey(code string) string {
	return fmt.Sprintf("equb:qr:%s", code)
}

// GenerateQRCode returns the code and a base64 PNG of it.
func (s *PaymentQRService) GenerateQRCode(ctx context.Context, poolID, memberID string) (string, string, *PaymentQRPayload, error) {
	instruction, err := s.source.PaymentInstruction(ctx, poolID, memberID)
	if err != nil {
		return "", "", nil, err
	}

	nonce, err := s.generateNonce()
	if err != nil {
		return "", "", nil, err
	}
	payload := &PaymentQRPayload{
		PaymentInstruction: *instruction,
		IssuedAt:           time.Now().Unix(),
		Nonce:              nonce,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", nil, err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)
	if err := s.redis.Set(ctx, paymentQRKey(code), jsonData, s.ttl).Err(); err != nil {
		return "", "", nil, err
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", nil, err
	}

	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), payload, nil
}

// Redeem consumes a code. Only the payment's receiver may redeem it.
func (s *PaymentQRService) Redeem(ctx context.Context, code, redeemerID string) (*PaymentQRPayload, error) {
	key := paymentQRKey(code)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrPaymentQRNotFound
	}
	if err != nil {
		return nil, err
	}

	var payload PaymentQRPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	if payload.ReceiverID != redeemerID {
		return nil, ErrForbidden.withMessage("only the round winner can redeem this payment code")
	}

	deleted, err := s.redis.Del(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if deleted == 0 {
		return nil, ErrPaymentQRNotFound
	}
	return &payload, nil
}

func (s *PaymentQRService) generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
