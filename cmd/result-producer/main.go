// Command result-producer publishes match results to the results topic the
// way a game server does. It reports a single result, or simulates a whole
// tournament by polling its bracket and deciding every pending match.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/pong-tournament/internal/domain"
)

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "match-results", "Kafka topic")
	matchID := flag.Int64("match", 0, "Match to report (single result mode)")
	winnerID := flag.Int64("winner", 0, "Winning user id (single result mode)")
	score1 := flag.Int("score1", 11, "Player one score (single result mode)")
	score2 := flag.Int("score2", 7, "Player two score (single result mode)")
	apiURL := flag.String("api", "http://localhost:8080", "Tournament API base URL (simulation mode)")
	tournamentID := flag.Int64("tournament", 0, "Tournament to play out (simulation mode)")
	interval := flag.Duration("interval", 2*time.Second, "Delay between simulated rounds")
	flag.Parse()

	if *matchID == 0 && *tournamentID == 0 {
		fmt.Fprintln(os.Stderr, "either -match and -winner, or -tournament is required")
		flag.Usage()
		os.Exit(2)
	}

	brokerList := strings.Split(*brokers, ",")

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Pong Match Result Producer")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:     %s\n", *brokers)
	fmt.Printf("  Topic:       %s\n", *topic)
	if *tournamentID != 0 {
		fmt.Printf("  Tournament:  %d (via %s)\n", *tournamentID, *apiURL)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	defer producer.Close()

	send := func(result domain.MatchResult) error {
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		partition, offset, err := producer.SendMessage(&sarama.ProducerMessage{
			Topic: *topic,
			// keyed by match so retries of one result stay in order
			Key:   sarama.StringEncoder(strconv.FormatInt(result.MatchID, 10)),
			Value: sarama.ByteEncoder(data),
		})
		if err != nil {
			return err
		}
		fmt.Printf("  ✓ match %d → winner %d (%d-%d) [partition %d, offset %d]\n",
			result.MatchID, result.WinnerID, result.Player1Score, result.Player2Score, partition, offset)
		return nil
	}

	if *matchID != 0 {
		if *winnerID == 0 {
			log.Fatal("-winner is required with -match")
		}
		result := domain.MatchResult{
			MatchID:      *matchID,
			WinnerID:     *winnerID,
			Player1Score: *score1,
			Player2Score: *score2,
			GameID:       uuid.New().String(),
		}
		if err := send(result); err != nil {
			log.Fatalf("Failed to send result: %v", err)
		}
		return
	}

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	client := &http.Client{Timeout: 10 * time.Second}
	reported := map[int64]bool{}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		status, bracket, err := fetchTournament(client, *apiURL, *tournamentID)
		if err != nil {
			log.Printf("Failed to fetch tournament: %v", err)
		} else {
			if status == domain.StatusCompleted {
				fmt.Println("\n✓ Tournament completed")
				return
			}
			for _, m := range bracket {
				if m.Decided() || m.Player1ID == nil || m.Player2ID == nil || reported[m.ID] {
					continue
				}
				if err := send(simulate(m)); err != nil {
					log.Printf("Failed to send result for match %d: %v", m.ID, err)
					continue
				}
				reported[m.ID] = true
			}
		}

		select {
		case <-sigChan:
			fmt.Println("\nShutting down...")
			return
		case <-ticker.C:
		}
	}
}

// simulate plays a match to 11 with a random winner
func simulate(m domain.Match) domain.MatchResult {
	loserScore := rand.IntN(10)
	result := domain.MatchResult{
		MatchID:      m.ID,
		GameID:       uuid.New().String(),
		Player1Score: 11,
		Player2Score: loserScore,
		WinnerID:     *m.Player1ID,
		Metadata:     map[string]any{"simulated": true, "round": m.Round},
	}
	if rand.IntN(2) == 1 {
		result.WinnerID = *m.Player2ID
		result.Player1Score, result.Player2Score = loserScore, 11
	}
	return result
}

func fetchTournament(client *http.Client, baseURL string, id int64) (domain.TournamentStatus, []domain.Match, error) {
	resp, err := client.Get(fmt.Sprintf("%s/api/tournaments/%d", strings.TrimRight(baseURL, "/"), id))
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var body struct {
		Tournament domain.Tournament `json:"tournament"`
		Bracket    []domain.Match    `json:"bracket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", nil, err
	}
	return body.Tournament.Status, body.Bracket, nil
}
