package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/stv-board/internal/domain"
)

// first SteamID64 of the public individual account range
const steamIDBase int64 = 76561197960265728

var namePrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

var servers = []string{"EU #1 Dust2", "EU #2 Mirage", "TR Public", "Retake #3", "AWP Only"}

var cheatTypes = []string{"aimbot", "wallhack", "triggerbot", "bhop script", "spinbot", "esp"}

func playerName(idx int) string {
	return fmt.Sprintf("%s%d", namePrefixes[idx%len(namePrefixes)], idx/len(namePrefixes)+1)
}

func steamID(idx int) string {
	return strconv.FormatInt(steamIDBase+int64(idx)*2+1, 10)
}

func sighting(idx int) domain.CheaterInput {
	types := []string{cheatTypes[rand.IntN(len(cheatTypes))]}
	if rand.IntN(3) == 0 {
		types = append(types, cheatTypes[rand.IntN(len(cheatTypes))])
	}
	return domain.CheaterInput{
		PlayerName: playerName(idx),
		SteamID:    steamID(idx),
		ServerName: servers[rand.IntN(len(servers))],
		CheatTypes: domain.CleanTags(types),
	}
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "stv-detections", "Kafka topic")
	totalPlayers := flag.Int("players", 200, "Number of distinct flagged players")
	perSecond := flag.Int("rate", 5, "Sightings per second")
	repeatPct := flag.Int("repeat", 60, "Percent of sightings that re-flag one of the first 20 players")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	if *totalPlayers <= 20 || *perSecond <= 0 {
		log.Fatal("players must be above 20 and rate must be positive")
	}

	fmt.Println("STV detection producer")
	fmt.Printf("  Brokers:      %s\n", *brokers)
	fmt.Printf("  Topic:        %s\n", *topic)
	fmt.Printf("  Players:      %d\n", *totalPlayers)
	fmt.Printf("  Sightings/s:  %d\n", *perSecond)
	fmt.Println()

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	// Keying by steam id keeps sightings of a player on one partition, in order.
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(strings.Split(*brokers, ","), config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount, sent int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	shutdown := func(reason string) {
		fmt.Printf("\n%s, shutting down...\n", reason)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(*perSecond))
	defer ticker.Stop()
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	for {
		select {
		case <-sigChan:
			shutdown("Interrupted")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				shutdown("Duration reached")
				return
			}

			idx := rand.IntN(*totalPlayers-20) + 20
			if rand.IntN(100) < *repeatPct {
				idx = rand.IntN(20)
			}
			s := sighting(idx)
			data, err := json.Marshal(s)
			if err != nil {
				log.Printf("Failed to marshal sighting: %v", err)
				continue
			}
			producer.Input() <- &sarama.ProducerMessage{
				Topic: *topic,
				Key:   sarama.StringEncoder(s.SteamID),
				Value: sarama.ByteEncoder(data),
			}
			atomic.AddInt64(&sent, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Sightings: %d | Acked: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&sent),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
