package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"optrack/driver-agent/internal/geo"
	"optrack/driver-agent/internal/position"
)

type positionPayload struct {
	DeviceID  string  `json:"device_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Heading   float64 `json:"heading"`
	Timestamp string  `json:"timestamp"`
}

type statusPayload struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	deviceID := flag.String("device", "sim-gps-1", "GPS unit identifier")
	lat := flag.Float64("lat", -20.3155, "Starting latitude")
	lon := flag.Float64("lon", -40.3128, "Starting longitude")
	heading := flag.Float64("heading", 90, "Starting heading in degrees")
	speed := flag.Float64("speed", 8, "Ground speed in m/s")
	turnJitter := flag.Float64("turn-jitter", 10, "Maximum random heading change per fix in degrees")
	accuracy := flag.Float64("accuracy", 5, "Reported accuracy in meters")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published fixes")
	fail := flag.String("fail", "", "Publish a status error (unsupported, permission_denied, timeout) and exit")

	flag.Parse()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	clientID := fmt.Sprintf("%s-simulator-%d", *deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	if *fail != "" {
		data, _ := json.Marshal(statusPayload{Error: *fail, Message: "simulated failure"})
		topic := position.StatusTopic(*deviceID)
		token := client.Publish(topic, 1, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Fatalf("publish error: %v", err)
		}
		log.Printf("published %s error=%s", topic, *fail)
		client.Disconnect(250)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	curLat, curLon, curHeading := *lat, *lon, *heading
	last := time.Now()

	publish := func() {
		now := time.Now()
		curHeading = math.Mod(curHeading+jitter(rng, *turnJitter)+360, 360)
		curLat, curLon = advance(curLat, curLon, curHeading, *speed*now.Sub(last).Seconds())
		last = now

		payload := positionPayload{
			DeviceID:  *deviceID,
			Latitude:  curLat,
			Longitude: curLon,
			Accuracy:  *accuracy,
			Heading:   curHeading,
			Timestamp: now.UTC().Format(time.RFC3339Nano),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		topic := position.PositionTopic(*deviceID)
		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s lat=%.6f lon=%.6f heading=%.0f", topic, curLat, curLon, curHeading)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

func jitter(rng *rand.Rand, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return (rng.Float64()*2 - 1) * max
}

// advance moves a point dist meters along heading on a spherical earth.
func advance(lat, lon, heading, dist float64) (float64, float64) {
	const rad = math.Pi / 180
	delta := dist / geo.EarthRadiusMeters
	theta := heading * rad
	phi1 := lat * rad
	lambda1 := lon * rad

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(phi1), math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2))

	return phi2 / rad, math.Mod(lambda2/rad+540, 360) - 180
}
