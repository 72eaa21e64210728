package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"PictureBook-server/config"
	"PictureBook-server/logger"
	"PictureBook-server/models"
	"PictureBook-server/realtime"
	"PictureBook-server/routers"
	"PictureBook-server/routers/api"
	"PictureBook-server/service"
	"PictureBook-server/store"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务与任务消费者",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func newBus(cfg *config.Config, log *logger.Logger) (realtime.Bus, error) {
	if cfg.Realtime.Driver == "redis" {
		b, err := realtime.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return realtime.NewLocalBus(), nil
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	db, err := models.OpenDB(cfg)
	if err != nil {
		return err
	}
	if err := models.Migrate(db); err != nil {
		return fmt.Errorf("数据表迁移失败: %w", err)
	}
	log.Info("数据库已连接", "driver", cfg.Database.Driver)
	projects := models.NewProjectRepository(db)
	tasks := models.NewTaskRepository(db)

	bus, err := newBus(cfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()
	registry := store.NewRegistry(projects, realtime.SnapshotPublisher{Bus: bus}, log.With("component", "registry"))
	defer registry.Close()

	var rehost service.Rehoster
	var media service.MediaStore
	minioStore, err := service.NewMinioStore(cfg, log)
	if err != nil {
		return err
	}
	if minioStore != nil {
		media = minioStore
		rehost.Store = minioStore
	} else {
		log.Warn("未配置 MinIO，生成结果不转存")
	}

	llm, err := service.NewLLM(cfg)
	if err != nil {
		return err
	}
	analyzer := &service.Analyzer{LLM: llm}
	translator := &service.Translator{LLM: llm}
	images := service.NewImageClient(cfg)
	speech := service.NewTTSClient(cfg, media)
	orch := &service.Orchestrator{
		Analyzer:   analyzer,
		Images:     images,
		Speech:     speech,
		Translator: translator,
		Rehost:     rehost,
		Log:        log.With("component", "orchestrator"),
	}
	proc := &service.Processor{
		Tasks:    tasks,
		Registry: registry,
		Orch:     orch,
		Bus:      bus,
		Log:      log.With("component", "processor"),
	}

	var (
		runner service.Submitter
		worker *asynq.Server
	)
	if cfg.Queue.Enabled {
		srv, mux := proc.NewServer(service.RedisOpt(cfg), cfg.Queue.Concurrency)
		if err := srv.Start(mux); err != nil {
			return fmt.Errorf("启动任务消费者失败: %w", err)
		}
		worker = srv
		runner = service.NewQueue(cfg, log)
	} else {
		log.Info("任务队列未启用，批量任务在进程内执行", "concurrency", cfg.Queue.Concurrency)
		runner = service.NewInline(proc, cfg.Queue.Concurrency)
	}

	handler := &api.Handler{
		Registry:   registry,
		Projects:   projects,
		Tasks:      tasks,
		Orch:       orch,
		Analyzer:   analyzer,
		Translator: translator,
		Images:     images,
		Speech:     speech,
		Rehost:     rehost,
		Runner:     runner,
		Bus:        bus,
		Log:        log.With("component", "api"),
	}
	httpSrv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           routers.InitRouter(cfg, handler, log.With("component", "http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP 服务启动", "addr", cfg.Server.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	// 先停接口，再停任务，最后关闭 store 等待落库
	log.Info("服务正在退出")
	if cerr := runner.Close(); cerr != nil {
		log.Warn("关闭任务提交端失败", "error", cerr)
	}
	if worker != nil {
		worker.Shutdown()
	}
	return err
}
