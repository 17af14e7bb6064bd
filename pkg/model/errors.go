package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound the requested record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrStaleEntity the record was deleted or rewritten by another writer since it was read
	ErrStaleEntity = errors.New("stale entity")
)

// ConfigurationError a collaborator cannot be reached because it is not configured
type ConfigurationError struct {
	Component string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s misconfigured: %s", e.Component, e.Reason)
}

// FetchError price retrieval failed for one pair
type FetchError struct {
	Pair   Pair
	Status int // upstream HTTP status, 0 when the request never got a response
	Reason string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.Pair, e.Reason, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s", e.Pair, e.Reason)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DeliveryErrorKind classifies why a notification was not delivered
type DeliveryErrorKind string

const (
	DeliveryNoWebhookURL DeliveryErrorKind = "NO_WEBHOOK_URL"
	DeliveryFailed       DeliveryErrorKind = "DELIVERY_FAILED"
)

// DeliveryError a notification could not be sent
type DeliveryError struct {
	Kind DeliveryErrorKind
	Err  error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
