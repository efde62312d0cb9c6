package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/twilio/twilio-go"
	verify "github.com/twilio/twilio-go/rest/verify/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	codeLength      = 6
	codeTTL         = 10 * time.Minute
	maxCodeAttempts = 3

	statusApproved = "approved"
)

var (
	ErrCodeNotFound        = errors.New("no pending verification")
	ErrCodeExpired         = errors.New("verification code expired")
	ErrTooManyAttempts     = errors.New("too many verification attempts")
	ErrVerifierUnavailable = errors.New("verification service unavailable")
)

// Verifier sends one-time codes to a phone number and checks them.
type Verifier interface {
	RequestCode(ctx context.Context, phone string) error
	CheckCode(ctx context.Context, phone, code string) (bool, error)
}

type verifyService interface {
	CreateVerification(serviceSid string, params *verify.CreateVerificationParams) (*verify.VerifyV2Verification, error)
	CreateVerificationCheck(serviceSid string, params *verify.CreateVerificationCheckParams) (*verify.VerifyV2VerificationCheck, error)
}

// TwilioVerifier delegates code issuance to Twilio Verify. Calls go through a
// circuit breaker so an outage fails fast instead of stalling logins.
type TwilioVerifier struct {
	log        *zap.SugaredLogger
	svc        verifyService
	serviceSid string
	cb         *gobreaker.CircuitBreaker
}

func NewTwilioVerifier(logger *zap.SugaredLogger, accountSid, authToken, serviceSid string) *TwilioVerifier {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSid,
		Password: authToken,
	})

	return newTwilioVerifier(logger, client.VerifyV2, serviceSid)
}

func newTwilioVerifier(logger *zap.SugaredLogger, svc verifyService, serviceSid string) *TwilioVerifier {
	st := gobreaker.Settings{
		Name:        "twilio-verify",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Infow("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &TwilioVerifier{
		log:        logger,
		svc:        svc,
		serviceSid: serviceSid,
		cb:         gobreaker.NewCircuitBreaker(st),
	}
}

func (v *TwilioVerifier) RequestCode(ctx context.Context, phone string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &verify.CreateVerificationParams{}
	params.SetTo(phone)
	params.SetChannel("sms")

	_, err := v.cb.Execute(func() (interface{}, error) {
		return v.svc.CreateVerification(v.serviceSid, params)
	})
	if err != nil {
		return v.wrapErr("create verification", err)
	}

	return nil
}

func (v *TwilioVerifier) CheckCode(ctx context.Context, phone, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	params := &verify.CreateVerificationCheckParams{}
	params.SetTo(phone)
	params.SetCode(code)

	res, err := v.cb.Execute(func() (interface{}, error) {
		return v.svc.CreateVerificationCheck(v.serviceSid, params)
	})
	if err != nil {
		return false, v.wrapErr("check verification", err)
	}

	check := res.(*verify.VerifyV2VerificationCheck)
	return check.Status != nil && *check.Status == statusApproved, nil
}

func (v *TwilioVerifier) wrapErr(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", op, ErrVerifierUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type pendingCode struct {
	hash      []byte
	expiresAt time.Time
	attempts  int
}

// DevVerifier issues codes locally and writes them to the log instead of
// sending them. Only bcrypt hashes of the codes are held in memory.
type DevVerifier struct {
	log     *zap.SugaredLogger
	mu      sync.Mutex
	pending map[string]*pendingCode
	now     func() time.Time
}

func NewDevVerifier(logger *zap.SugaredLogger) *DevVerifier {
	return &DevVerifier{
		log:     logger,
		pending: make(map[string]*pendingCode),
		now:     time.Now,
	}
}

func (v *DevVerifier) RequestCode(ctx context.Context, phone string) error {
	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}

	v.mu.Lock()
	v.pending[phone] = &pendingCode{
		hash:      hash,
		expiresAt: v.now().Add(codeTTL),
	}
	v.mu.Unlock()

	v.log.Infow("verification code issued", "phone", phone, "code", code)
	return nil
}

func (v *DevVerifier) CheckCode(ctx context.Context, phone, code string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.pending[phone]
	if !ok {
		return false, ErrCodeNotFound
	}

	if v.now().After(p.expiresAt) {
		delete(v.pending, phone)
		return false, ErrCodeExpired
	}

	if p.attempts >= maxCodeAttempts {
		delete(v.pending, phone)
		return false, ErrTooManyAttempts
	}
	p.attempts++

	if bcrypt.CompareHashAndPassword(p.hash, []byte(code)) != nil {
		return false, nil
	}

	// codes are single use
	delete(v.pending, phone)
	return true, nil
}

func generateCode() (string, error) {
	max := big.NewInt(900000)
	for {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}

		code := fmt.Sprintf("%06d", n.Int64()+100000)
		if !isForbiddenCode(code) {
			return code, nil
		}
	}
}

// isForbiddenCode rejects codes that are easy to guess: a single repeated
// digit, a repeated pair of digits, or a straight ascending/descending run.
func isForbiddenCode(code string) bool {
	if len(code) != codeLength {
		return true
	}

	repeatedPair := true
	ascending, descending := true, true
	for i := 1; i < len(code); i++ {
		if code[i] != code[i%2] {
			repeatedPair = false
		}
		if code[i] != code[i-1]+1 {
			ascending = false
		}
		if code[i] != code[i-1]-1 {
			descending = false
		}
	}

	// a single repeated digit is a special case of a repeated pair
	return repeatedPair || ascending || descending
}
