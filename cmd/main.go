package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DuelQueue/config"
	"DuelQueue/internal/auth"
	"DuelQueue/internal/matchmaker"
	"DuelQueue/internal/middleware"
	"DuelQueue/internal/session"
	"DuelQueue/internal/storage"
	"DuelQueue/internal/utils"
	"DuelQueue/internal/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	flag.Parse()

	if err := config.Load(*configPath); err != nil {
		utils.Log.Fatal("config load failed", "err", err)
	}
	utils.Init(config.C.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//-------------------------------------------------------
	// 1. 初始化 Redis（注册表 / 锁 / 取消广播都依赖它）
	//-------------------------------------------------------
	if err := storage.InitRedis(ctx,
		config.C.Redis.Addr,
		config.C.Redis.Password,
		config.C.Redis.DB,
	); err != nil {
		utils.Log.Fatal("Redis init failed", "err", err)
	}

	//-------------------------------------------------------
	// 2. 机器人来源：Redis 列表或 Postgres 表
	//-------------------------------------------------------
	var bots matchmaker.BotProvider
	switch config.C.Bots.Source {
	case "postgres":
		if err := storage.InitPostgres(ctx, config.C.Database.DSN); err != nil {
			utils.Log.Fatal("Postgres init failed", "err", err)
		}
		bots = matchmaker.NewPostgresBots(storage.DB)
	default:
		seed := make(map[matchmaker.UserID][]matchmaker.DeckID, len(config.C.Bots.IDs))
		for _, id := range config.C.Bots.IDs {
			seed[matchmaker.UserID(id)] = nil
		}
		if err := matchmaker.SeedRedisBots(ctx, storage.Rdb, seed); err != nil {
			utils.Log.Fatal("seed bots failed", "err", err)
		}
		bots = matchmaker.NewRedisBots(storage.Rdb)
	}

	//-------------------------------------------------------
	// 3. 初始化 Hub（必须最先启动）
	//-------------------------------------------------------
	hub := websocket.NewHub()
	go hub.Run()

	//-------------------------------------------------------
	// 4. 对局管理：作为匹配系统的 Session Creator
	//-------------------------------------------------------
	sessions := session.NewManager(hub, config.C.Sessions.ConnectURL, ms(config.C.Sessions.AllocationDelayMs))
	hub.OnIncoming = sessions.HandlePlayerMessage

	//-------------------------------------------------------
	// 5. 初始化匹配系统 Matchmaker
	//-------------------------------------------------------
	mm := config.C.Matchmaking
	svc, err := matchmaker.NewService(ctx, matchmaker.Deps{
		Registry: matchmaker.NewRedisRegistry(storage.Rdb, time.Duration(mm.RegistryTTLSec)*time.Second),
		Locker:   matchmaker.NewRedisLocker(storage.Rdb),
		Bus:      matchmaker.NewRedisBus(storage.Rdb),
		Creator:  sessions,
		Bots:     bots,
		Hub:      hub,
	}, matchmaker.Options{
		LockLease:         ms(mm.LockLeaseMs),
		LockWait:          ms(mm.LockWaitMs),
		SessionRetries:    mm.SessionRetries,
		SessionRetryDelay: ms(mm.SessionRetryDelayMs),
		ClaimGrace:        ms(mm.ClaimGraceMs),
		BotLockLease:      ms(mm.BotLockLeaseMs),
		Queues:            mm.Queues,
	})
	if err != nil {
		utils.Log.Fatal("matchmaker init failed", "err", err)
	}

	// 对局结束：释放双方的匹配记录
	sessions.OnEnd = func(ctx context.Context, game matchmaker.GameID, users []matchmaker.UserID) {
		if err := svc.ExpireOrEndMatch(ctx, game, users); err != nil {
			utils.Log.Error("expire ended game failed", "game", game, "err", err)
		}
	}

	//-------------------------------------------------------
	// 6. 初始化 Gin + CORS
	//-------------------------------------------------------
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	secret := []byte(config.C.JWT.Secret)
	auth.NewHandler(storage.Rdb, secret).Register(r)

	//-------------------------------------------------------
	// 7. WebSocket 入口 + 匹配路由（需要 JWT）
	//-------------------------------------------------------
	authed := r.Group("/", middleware.JwtAuthMiddleware(secret))
	{
		authed.GET("/ws", websocket.ServeWS(hub))
		matchmaker.NewHandler(svc, ms(mm.DefaultTimeoutMs)).Register(authed)
		authed.GET("/session/:gameId", sessions.GetConnection)
	}

	//-------------------------------------------------------
	// 8. 启动服务器，收到信号后优雅退出
	//-------------------------------------------------------
	srv := &http.Server{Addr: config.C.Server.Port, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		utils.Log.Info("Server running", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		utils.Log.Info("shutting down")

		// 先中断所有匹配中的请求，再关闭 HTTP
		if err := svc.Close(); err != nil {
			utils.Log.Error("matchmaker close failed", "err", err)
		}
		sessions.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		utils.Log.Fatal("server exited", "err", err)
	}
}
