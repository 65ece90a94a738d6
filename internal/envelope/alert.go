package envelope

import (
	"errors"
	"fmt"
	"strings"
)

// AlertType classifies operator-facing alerts.
type AlertType string

const (
	AlertConsumerNotFound      AlertType = "CONSUMER_NOT_FOUND"
	AlertNoHosts               AlertType = "NO_HOSTS"
	AlertInstallFailed         AlertType = "INSTALL_FAILED"
	AlertConsumerNotConfigured AlertType = "CONSUMER_NOT_CONFIGURED"
)

// Alert reports a coordination problem that needs operator attention.
type Alert struct {
	Type            AlertType `json:"type"`
	RequestIdentity string    `json:"request_identity"`
	Message         string    `json:"message"`
}

func (Alert) Kind() Kind { return KindAlert }
func (Alert) isPayload() {}

func (a Alert) Validate() error {
	switch a.Type {
	case AlertConsumerNotFound, AlertNoHosts, AlertInstallFailed, AlertConsumerNotConfigured:
	default:
		return fmt.Errorf("unknown alert type %q", a.Type)
	}
	if strings.TrimSpace(a.RequestIdentity) == "" {
		return errors.New("missing request identity")
	}
	return nil
}

// Event is an application event routed to consuming units.
type Event struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (Event) Kind() Kind { return KindEvent }
func (Event) isPayload() {}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing event type")
	}
	return nil
}
