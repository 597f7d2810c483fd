// Code follows the scaffolding pattern goctl generates for a go-zero REST
// service (flag -> conf.MustLoad -> construct -> start -> wait for signal).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/suleymanmyradov/im-gateway/internal/config"
	"github.com/suleymanmyradov/im-gateway/internal/gateway"
	"github.com/suleymanmyradov/im-gateway/internal/kvstore"
)

var configFile = flag.String("f", "etc/gateway.yaml", "the config file")

func main() {
	flag.Parse()

	var c config.Config
	conf.MustLoad(*configFile, &c)

	store, err := kvstore.NewRedis(kvstore.RedisConfig{
		Host:     c.Redis.Host,
		Port:     c.Redis.Port,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	if err != nil {
		logx.Errorf("gateway: failed to connect to redis: %v", err)
		os.Exit(1)
	}

	gw := gateway.New(c, store)
	if err := gw.Start(); err != nil {
		logx.Errorf("gateway: failed to start: %v", err)
		os.Exit(1)
	}

	fmt.Printf("im-gateway listening: reqresp=%s:%d streaming=:%d\n", c.Host, c.Port, c.StreamingPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := gw.Healthy(context.Background()); err != nil {
		logx.Errorf("gateway: shutting down while unhealthy: %v", err)
	}
	gw.Stop()
}
