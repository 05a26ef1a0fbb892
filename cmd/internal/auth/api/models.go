package authapi

import (
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Presence and syntax are checked by the flow controller so clients get its messages;
// the request types only bound sizes.

type inviteRequest struct {
	Code  string `json:"code" validate:"max=128"`
	Email string `json:"email" validate:"max=320"`
}

func (req *inviteRequest) Bind(_ *http.Request) error {
	return validate.Struct(req)
}

type emailRequest struct {
	Email string `json:"email" validate:"max=320"`
}

func (req *emailRequest) Bind(_ *http.Request) error {
	return validate.Struct(req)
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type inviteResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	UserID         string `json:"user_id"`
	SessionToken   string `json:"session_token"`
	MembershipTier string `json:"membership_tier"`
	TrialDays      int    `json:"trial_days"`
}

type sessionResponse struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
