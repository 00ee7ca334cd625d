package tests

import (
	"context"
	"fmt"
	"time"

	"github.com/cornjacket/roadside/e2e/client"
	"github.com/cornjacket/roadside/e2e/runner"
)

func init() {
	runner.Register(&runner.Test{
		Name:        "record-and-track",
		Description: "Record a position over HTTP and read it back",
		Run:         runRecordAndTrackTest,
	})
	runner.Register(&runner.Test{
		Name:        "nearby-order",
		Description: "Nearby returns live providers nearest first within the radius",
		Run:         runNearbyOrderTest,
	})
}

func runRecordAndTrackTest(ctx context.Context, cfg *runner.Config) error {
	c := &client.Config{BaseURL: cfg.BaseURL}

	if err := client.CheckHealth(ctx, c); err != nil {
		return err
	}

	providerID := client.UniqueID("e2e-mechanic")
	if err := client.RecordPosition(ctx, c, client.Position{ProviderID: providerID, Latitude: 6.5244, Longitude: 3.3792}); err != nil {
		return fmt.Errorf("failed to record position: %w", err)
	}

	pos, err := client.WaitForPosition(ctx, c, providerID, 5*time.Second)
	if err != nil {
		return err
	}
	if pos.Latitude != 6.5244 || pos.Longitude != 3.3792 {
		return fmt.Errorf("unexpected position %+v", pos)
	}
	if pos.CellToken == "" {
		return fmt.Errorf("position has no cell token")
	}

	unknown, err := client.GetPosition(ctx, c, client.UniqueID("e2e-ghost"))
	if err != nil {
		return err
	}
	if unknown != nil {
		return fmt.Errorf("expected no position for unknown provider, got %+v", unknown)
	}
	return nil
}

func runNearbyOrderTest(ctx context.Context, cfg *runner.Config) error {
	c := &client.Config{BaseURL: cfg.BaseURL}

	// A remote origin keeps other tests' providers out of the result.
	lat, lon := -33.9249, 18.4241
	near := client.UniqueID("e2e-near")
	far := client.UniqueID("e2e-far")
	outside := client.UniqueID("e2e-outside")

	for _, p := range []client.Position{
		{ProviderID: far, Latitude: lat + 0.05, Longitude: lon},
		{ProviderID: near, Latitude: lat + 0.01, Longitude: lon},
		{ProviderID: outside, Latitude: lat + 1.0, Longitude: lon},
	} {
		if err := client.RecordPosition(ctx, c, p); err != nil {
			return fmt.Errorf("failed to record %s: %w", p.ProviderID, err)
		}
	}

	list, err := client.Nearby(ctx, c, lat, lon, 10, 20)
	if err != nil {
		return err
	}

	var ids []string
	for _, p := range list {
		if p.ProviderID == near || p.ProviderID == far || p.ProviderID == outside {
			ids = append(ids, p.ProviderID)
		}
	}
	if len(ids) != 2 || ids[0] != near || ids[1] != far {
		return fmt.Errorf("expected [%s %s], got %v", near, far, ids)
	}
	return nil
}
