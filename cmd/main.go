package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/pesapoint/mpesa-gobackend/internal/config"
	"github.com/pesapoint/mpesa-gobackend/internal/handlers"
	"github.com/pesapoint/mpesa-gobackend/internal/mpesa"
	"github.com/pesapoint/mpesa-gobackend/internal/services"
	"github.com/pesapoint/mpesa-gobackend/internal/store"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Error loading .env: %s", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var txStore store.TransactionStore
	switch cfg.Storage {
	case "memory":
		log.Println("Using in-memory transaction storage")
		txStore = store.NewMemoryStore()
	default:
		client, err := store.Connect(context.Background(), cfg.MongoURI)
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Disconnect(ctx); err != nil {
				log.Printf("Error disconnecting from MongoDB: %v", err)
			}
		}()

		mongoStore := store.NewMongoStore(client.Database("mpesadb"))
		if err := mongoStore.EnsureIndexes(context.Background()); err != nil {
			log.Fatalf("Failed to create indexes: %v", err)
		}
		txStore = mongoStore
	}

	builder := mpesa.NewPayloadBuilder(cfg.ShortCode, cfg.PassKey, cfg.CallbackURL)
	tokens := mpesa.NewTokenCache(cfg.ConsumerKey, cfg.ConsumerSecret, cfg.BaseURL, cfg.TokenSafetyMargin, cfg.HTTPTimeout)
	gateway := mpesa.NewClient(cfg.BaseURL, tokens, builder, cfg.HTTPTimeout)

	paymentService := services.NewPaymentService(txStore, gateway, builder, cfg.ReconcileAfter)
	paymentHandler := handlers.NewPaymentHandler(paymentService)

	// Recover outcomes for transactions whose callback never arrived.
	reconcileCtx, stopReconcile := context.WithCancel(context.Background())
	defer stopReconcile()
	go func() {
		ticker := time.NewTicker(cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-reconcileCtx.Done():
				return
			case <-ticker.C:
				if _, err := paymentService.ReconcilePending(reconcileCtx); err != nil {
					log.Printf("Reconcile sweep failed: %v", err)
				}
			}
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")

	router.HandleFunc("/api/mpesa/initiate-payment", paymentHandler.InitiatePayment).Methods("POST")
	router.HandleFunc("/api/mpesa/status/{checkoutRequestId}", paymentHandler.QueryStatus).Methods("GET")
	router.HandleFunc("/api/mpesa/callback", paymentHandler.Callback).Methods("POST")
	router.HandleFunc("/api/mpesa/validation", paymentHandler.Validation).Methods("POST")
	router.HandleFunc("/api/mpesa/confirmation", paymentHandler.Confirmation).Methods("POST")
	router.HandleFunc("/api/mpesa/transactions", paymentHandler.ListTransactions).Methods("GET")

	handler := handlers.RequestID(router)
	handler = ghandlers.CombinedLoggingHandler(os.Stdout, handler)
	handler = ghandlers.RecoveryHandler()(handler)

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log.Printf("Server running on port %s", cfg.Port)
	log.Fatal(server.ListenAndServe())
}
