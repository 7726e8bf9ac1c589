package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chatroom/internal/chat"
	"chatroom/internal/config"
	"chatroom/internal/db"
	"chatroom/internal/discovery"
	"chatroom/internal/handlers"
	"chatroom/internal/middleware"
	"chatroom/internal/observability"
	"chatroom/internal/rabbitmq"
	"chatroom/internal/repositories"
	"chatroom/internal/room"
	"chatroom/internal/store"
	"chatroom/internal/telemetry"
	"chatroom/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	database, err := db.Connect(cfg.DBDSN, log)
	if err != nil {
		return err
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	defer publisher.Close()
	log.Info("event publisher ready", "mode", rabbitmq.PublisherMode(publisher), "noop_reason", rabbitmq.PublisherNoopReason(publisher))
	audit := telemetry.NewAuditEmitter(publisher, "audit.room", cfg.ServiceName, cfg.Environment, log)

	conversations := store.NewConversationStore(
		repositories.NewConversationRepo(database),
		repositories.NewMessageRepo(database),
		repositories.NewUserRepo(database),
		log,
	)

	rooms := discovery.New(cfg.Room.ListenAddr, roomOptions(cfg.Room), log)
	chatService := chat.New(rooms, log,
		chat.WithMessageLog(conversations, cfg.Room.UserID, cfg.Room.ConversationID),
		chat.WithAudit(audit),
		chat.WithPublisher(publisher),
		chat.WithEventBuffer(cfg.Room.EventBuffer),
	)
	defer chatService.Close()

	hub := ws.NewHub(publisher, log)
	conversationHandler := handlers.NewConversationHandler(conversations)
	roomHandler := handlers.NewRoomHandler(chatService)
	eventsHandler := ws.NewEventsHandler(hub, chatService)

	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(cfg.ServiceName), observability.HTTPMetricsMiddleware(), middleware.RequestID())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := router.Group("/", middleware.AuthMiddleware([]byte(cfg.JWTSecret)))
	api.GET("/conversations", conversationHandler.ListConversations)
	api.POST("/conversations", conversationHandler.StartConversation)
	api.GET("/conversations/with/:peer_id", conversationHandler.FindConversation)
	api.GET("/conversations/:conversation_id/messages", conversationHandler.GetMessages)
	api.POST("/conversations/:conversation_id/messages", conversationHandler.PostMessage)

	api.POST("/room/connect", roomHandler.Connect)
	api.POST("/room/messages", roomHandler.SendMessage)
	api.GET("/room/participants", roomHandler.Status)
	api.POST("/room/participants/:participant_id/kick", roomHandler.Kick)
	api.POST("/room/participants/:participant_id/mute", roomHandler.ToggleMute)
	api.POST("/room/participants/:participant_id/admin", roomHandler.ToggleAdmin)
	api.POST("/room/disconnect", roomHandler.Disconnect)

	api.GET("/ws/events", eventsHandler.Handle)
	handlers.RegisterDebugRoutes(api, audit, cfg.Environment == "local")

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func roomOptions(cfg config.Room) room.Options {
	return room.Options{
		PingPeriod:    cfg.PingPeriod,
		PongWait:      cfg.PongWait,
		WriteWait:     cfg.WriteWait,
		JoinTimeout:   cfg.JoinTimeout,
		SendBuffer:    cfg.SendBuffer,
		MaxFrameBytes: int64(cfg.MaxFrameBytes),
	}
}
