package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/quality"
)

const maxBodyBytes = 1 << 20

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// validationError carries the per-field failures of a request body.
type validationError struct {
	fields map[string]string
}

func (e *validationError) Error() string { return "validation failed" }

func (e *validationError) Unwrap() error { return domain.ErrInvalidArgument }

// decodeBody reads a JSON body of at most maxBodyBytes into dst and validates
// it.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
		fields := make(map[string]string, len(ve))
		for _, fe := range ve {
			fields[strings.ToLower(fe.Field())] = fe.Tag()
		}
		return &validationError{fields: fields}
	}
	return nil
}

func errorDetails(err error) any {
	var ve *validationError
	if errors.As(err, &ve) {
		return ve.fields
	}
	return nil
}

type planRequest struct {
	Plan domain.PlanTier `json:"plan" validate:"required,oneof=free premium"`
}

type manualQualityRequest struct {
	Tier domain.QualityTier `json:"tier" validate:"required,oneof=high medium low"`
}

type signalsRequest struct {
	NetworkClass   string  `json:"network_class" validate:"omitempty,oneof=slow-2g 2g 3g 4g 5g wifi ethernet unknown"`
	RTTMillis      int     `json:"rtt_ms" validate:"gte=0,lte=60000"`
	DownlinkMbps   float64 `json:"downlink_mbps" validate:"gte=0"`
	SaveData       bool    `json:"save_data"`
	DeviceMemoryGB float64 `json:"device_memory_gb" validate:"gte=0"`
	CPUCores       int     `json:"cpu_cores" validate:"gte=0"`
}

func (s signalsRequest) signals() quality.Signals {
	return quality.Signals{
		NetworkClass:   s.NetworkClass,
		RTT:            time.Duration(s.RTTMillis) * time.Millisecond,
		DownlinkMbps:   s.DownlinkMbps,
		SaveData:       s.SaveData,
		DeviceMemoryGB: s.DeviceMemoryGB,
		CPUCores:       s.CPUCores,
	}
}

type latencyRequest struct {
	LatencyMillis int `json:"latency_ms" validate:"gte=0,lte=600000"`
}

type capabilityRequest struct {
	Identity        string              `json:"identity" validate:"max=128"`
	Text            string              `json:"text" validate:"max=4000"`
	Payload         json.RawMessage     `json:"payload"`
	Priority        string              `json:"priority" validate:"omitempty,oneof=high medium low"`
	Origin          string              `json:"origin" validate:"max=256"`
	ClientSignature string              `json:"client_signature" validate:"max=512"`
	SkipProviders   []domain.ProviderID `json:"skip_providers" validate:"max=16,dive,required"`
	ForceProvider   domain.ProviderID   `json:"force_provider"`
	TimeoutMillis   int                 `json:"timeout_ms" validate:"gte=0,lte=300000"`
	MaxRetries      int                 `json:"max_retries" validate:"gte=-1,lte=5"`
}
