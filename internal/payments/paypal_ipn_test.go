package payments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
)

func TestIPNValidatorPostsBackRawBody(t *testing.T) {
	raw := []byte("txn_id=T1&payment_status=Completed&test_ipn=1&item_name=O%27Brien+%26+Co")
	var gotURL, gotBody string
	validator := NewIPNValidator(IPNValidatorConfig{
		HTTPClient: doerFunc(func(req *http.Request) (*http.Response, error) {
			gotURL = req.URL.String()
			body, _ := io.ReadAll(req.Body)
			gotBody = string(body)
			return replyWith(http.StatusOK, "VERIFIED"), nil
		}),
	})

	ok, err := validator.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !ok {
		t.Fatalf("expected verified notification")
	}
	if gotURL != sandboxIPNEndpoint {
		t.Fatalf("expected sandbox postback for test_ipn=1, got %q", gotURL)
	}
	if gotBody != "cmd=_notify-validate&"+string(raw) {
		t.Fatalf("unexpected postback body %q", gotBody)
	}
}

func TestIPNValidatorUsesLiveEndpointWithoutTestFlag(t *testing.T) {
	var gotURL string
	validator := NewIPNValidator(IPNValidatorConfig{
		HTTPClient: doerFunc(func(req *http.Request) (*http.Response, error) {
			gotURL = req.URL.String()
			return replyWith(http.StatusOK, "INVALID"), nil
		}),
	})
	ok, err := validator.Validate(context.Background(), []byte("txn_id=T1"))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ok {
		t.Fatalf("expected INVALID to be rejected")
	}
	if gotURL != liveIPNEndpoint {
		t.Fatalf("expected live postback, got %q", gotURL)
	}
}

func TestIPNValidatorRejectsUnexpectedReplies(t *testing.T) {
	validator := NewIPNValidator(IPNValidatorConfig{
		HTTPClient: doerFunc(func(*http.Request) (*http.Response, error) {
			return replyWith(http.StatusOK, "<html>maintenance</html>"), nil
		}),
	})
	ok, err := validator.Validate(context.Background(), []byte("txn_id=T1"))
	if err != nil || ok {
		t.Fatalf("expected silent rejection, got ok=%v err=%v", ok, err)
	}

	validator = NewIPNValidator(IPNValidatorConfig{
		HTTPClient: doerFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection reset")
		}),
	})
	if _, err := validator.Validate(context.Background(), []byte("txn_id=T1")); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
