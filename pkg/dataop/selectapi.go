package dataop

import (
	"context"
	"fmt"

	"github.com/ruslano69/orgdata/pkg/remote"
)

// VolumeEstimator - источник версии API и оценки объема
type VolumeEstimator interface {
	APIVersion() string
	EstimateRecordCount(ctx context.Context, sobject string) (int, error)
}

// SelectAPI разрешает smart в bulk или rest.
// volume < 0 означает "оценить по удаленному счетчику записей".
func SelectAPI(ctx context.Context, client VolumeEstimator, sobject string, op OperationType, requested API, volume int, cfg Config) (API, error) {
	if requested != APISmart && requested != "" {
		return requested, nil
	}
	if op == OpHardDelete {
		return APIBulk, nil
	}
	if remote.ParseVersion(client.APIVersion()) < MinBulkAPIVersion {
		return APIBulk, nil
	}
	if volume < 0 {
		n, err := client.EstimateRecordCount(ctx, sobject)
		if err != nil {
			return "", fmt.Errorf("failed to estimate volume of %s: %w", sobject, err)
		}
		volume = n
	}
	if volume >= cfg.SmartThreshold {
		return APIBulk, nil
	}
	return APIREST, nil
}
