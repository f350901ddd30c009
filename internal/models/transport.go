package models

import "fmt"

// TransportMode тип передвижения
type TransportMode string

const (
	TransportDriving TransportMode = "driving"
	TransportWalking TransportMode = "walking"
	TransportUnknown TransportMode = "unknown"
)

// ParseTransportMode разбирает строковое значение
func ParseTransportMode(s string) (TransportMode, error) {
	switch TransportMode(s) {
	case TransportDriving, TransportWalking, TransportUnknown:
		return TransportMode(s), nil
	case "":
		return TransportUnknown, nil
	default:
		return TransportUnknown, fmt.Errorf("unknown transport mode: %q", s)
	}
}
