package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func ApplicationKey(name, version string) string {
	return fmt.Sprintf("catalog:app:%s:%s", name, version)
}

func ProductKey(provider, category, id string) string {
	return fmt.Sprintf("catalog:product:%s:%s:%s", provider, category, id)
}

func SupportKey(provider, category, id string) string {
	return fmt.Sprintf("provider:support:%s:%s:%s", provider, category, id)
}

func JobStateKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:state:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func MonitorLeaseKey() string {
	return "monitor:lease"
}
