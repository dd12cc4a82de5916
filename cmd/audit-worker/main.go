package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gen-orchestrator/internal/config"
	"gen-orchestrator/internal/events"
	"gen-orchestrator/internal/worker"
	"gen-orchestrator/pkg/database/postgres"
)

const WorkerPoolSize = 5

func main() {
	log.Println("Starting Audit Worker Service...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize PostgreSQL
	log.Println("Connecting to PostgreSQL...")
	pgPool, err := postgres.NewClient(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer pgPool.Close()

	// Initialize RabbitMQ
	log.Println("Connecting to RabbitMQ...")
	eventsClient, err := events.NewClient(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer eventsClient.Close()

	log.Println("✓ Successfully connected to all services")

	// Create processor
	processor := worker.NewProcessor(pgPool)

	// Start consuming messages
	msgs, err := eventsClient.Consume()
	if err != nil {
		log.Fatalf("Failed to start consuming: %v", err)
	}

	// Create worker pool
	var wg sync.WaitGroup
	eventChan := make(chan events.LifecycleEvent, WorkerPoolSize)

	// Start worker goroutines
	for i := 0; i < WorkerPoolSize; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Printf("Worker %d started", workerID)

			for ev := range eventChan {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				err := processor.ProcessEvent(ctx, ev)
				cancel()

				if err != nil {
					log.Printf("Worker %d: failed to record event for request %s: %v", workerID, ev.RequestID, err)
				}
			}

			log.Printf("Worker %d stopped", workerID)
		}(i + 1)
	}

	// Shutdown channel
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Println("Audit Worker Service is running. Press Ctrl+C to exit.")

	// Message consumer loop
	go func() {
		for msg := range msgs {
			var ev events.LifecycleEvent
			if err := json.Unmarshal(msg.Body, &ev); err != nil {
				log.Printf("Failed to unmarshal event: %v", err)
				msg.Nack(false, false) // discard invalid message
				continue
			}

			// Send to worker pool
			eventChan <- ev

			// Acknowledge message
			msg.Ack(false)
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Println("Shutting down gracefully...")

	// Close event channel to stop workers
	close(eventChan)

	// Wait for all workers to finish
	wg.Wait()

	log.Println("Audit Worker Service stopped")
}
