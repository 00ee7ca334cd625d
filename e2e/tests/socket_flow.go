package tests

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/cornjacket/roadside/e2e/client"
	"github.com/cornjacket/roadside/e2e/runner"
)

func init() {
	runner.Register(&runner.Test{
		Name:        "socket-track-flow",
		Description: "Mechanic streams a location; user tracks it through dispatch",
		Run:         runSocketTrackFlowTest,
	})
	runner.Register(&runner.Test{
		Name:        "socket-nearby-flow",
		Description: "User asks for nearby mechanics over the socket",
		Run:         runSocketNearbyFlowTest,
	})
}

func runSocketTrackFlowTest(ctx context.Context, cfg *runner.Config) error {
	c := &client.Config{BaseURL: cfg.BaseURL}

	mechanicID := client.UniqueID("e2e-mechanic")
	userID := client.UniqueID("e2e-user")

	mech, err := client.DialSocket(ctx, c, mechanicID, "mechanic")
	if err != nil {
		return err
	}
	defer mech.Close()

	user, err := client.DialSocket(ctx, c, userID, "user")
	if err != nil {
		return err
	}
	defer user.Close()

	// 1. Mechanic reports a location
	if err := client.SendDirective(mech, "updateLocation", map[string]any{
		"latitude":  9.0765,
		"longitude": 7.3986,
		"timestamp": time.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("failed to send location: %w", err)
	}
	if _, err := client.WaitForPosition(ctx, c, mechanicID, 5*time.Second); err != nil {
		return err
	}

	// 2. User tracks the mechanic; the reply comes back through dispatch
	if err := client.SendDirective(user, "trackMechanic", map[string]any{"mechanicId": mechanicID}); err != nil {
		return fmt.Errorf("failed to send track: %w", err)
	}
	reply, err := client.WaitForEvent(user, "trackMechanic", 10*time.Second)
	if err != nil {
		return err
	}
	if reply.Error {
		return fmt.Errorf("track reply is an error: %s", reply.Message)
	}

	var pos client.Position
	if err := json.Unmarshal(reply.Data, &pos); err != nil {
		return fmt.Errorf("failed to unmarshal tracked position: %w", err)
	}
	if pos.ProviderID != mechanicID {
		return fmt.Errorf("expected position of %s, got %+v", mechanicID, pos)
	}
	return nil
}

func runSocketNearbyFlowTest(ctx context.Context, cfg *runner.Config) error {
	c := &client.Config{BaseURL: cfg.BaseURL}

	lat, lon := 51.5072, -0.1276
	mechanicID := client.UniqueID("e2e-mechanic")
	if err := client.RecordPosition(ctx, c, client.Position{ProviderID: mechanicID, Latitude: lat + 0.002, Longitude: lon}); err != nil {
		return err
	}

	user, err := client.DialSocket(ctx, c, client.UniqueID("e2e-user"), "user")
	if err != nil {
		return err
	}
	defer user.Close()

	if err := client.SendDirective(user, "nearByMechanics", map[string]any{"latitude": lat, "longitude": lon, "radius": 2}); err != nil {
		return fmt.Errorf("failed to send nearby: %w", err)
	}
	reply, err := client.WaitForEvent(user, "nearByMechanics", 10*time.Second)
	if err != nil {
		return err
	}

	var found []client.Position
	if err := json.Unmarshal(reply.Data, &found); err != nil {
		return fmt.Errorf("failed to unmarshal nearby list: %w", err)
	}
	for _, p := range found {
		if p.ProviderID == mechanicID {
			return nil
		}
	}
	return fmt.Errorf("mechanic %s not in nearby reply (%d results)", mechanicID, len(found))
}
