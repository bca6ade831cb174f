// Command amargod wires every component — object store, metadata store,
// artifact service, group resolver, cache engine, eviction loop and the six
// protocol adapters — into one HTTP server. No ambient container: every
// dependency is constructed here and passed down explicitly.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amargo-project/amargo/adapter/docker"
	"github.com/amargo-project/amargo/adapter/gomod"
	"github.com/amargo-project/amargo/adapter/maven"
	"github.com/amargo-project/amargo/adapter/npm"
	"github.com/amargo-project/amargo/adapter/nuget"
	"github.com/amargo-project/amargo/adapter/pypi"
	"github.com/amargo-project/amargo/artifact"
	"github.com/amargo-project/amargo/cache"
	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/hk"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/resolver"
	"github.com/amargo-project/amargo/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cmn.InitShortID(uint64(time.Now().UnixNano()))

	var configPath string
	probe := flag.NewFlagSet("amargod-config-probe", flag.ContinueOnError)
	probe.StringVar(&configPath, "config", "", "path to JSON config file")
	probe.SetOutput(os.Stderr)
	_ = probe.Parse(os.Args[1:]) // tolerate the later flags this set doesn't know

	cfg, err := cmn.LoadConfig(configPath)
	if err != nil {
		cmn.Logger.Fatalw("load config", "error", err)
	}

	fs := flag.NewFlagSet("amargod", flag.ExitOnError)
	fs.String("config", configPath, "path to JSON config file") // already consumed above
	cmn.RegisterFlags(fs, cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		cmn.Logger.Fatalw("parse flags", "error", err)
	}
	cmn.GCO.Put(cfg)

	metaStore, err := openMetaStore(cfg)
	if err != nil {
		cmn.Logger.Fatalw("open metadata store", "error", err)
	}
	defer metaStore.Close()

	blobs, err := openBlobs(cfg.Blobs)
	if err != nil {
		cmn.Logger.Fatalw("open object store", "error", err)
	}

	if err := reconcile(context.Background(), metaStore, cfg); err != nil {
		cmn.Logger.Fatalw("reconcile declarative repositories/groups", "error", err)
	}

	arts := artifact.New(metaStore, blobs)
	defer arts.Close()
	res := resolver.New(metaStore)

	metricsReg := prometheus.NewRegistry()
	metrics := cache.NewMetrics(metricsReg)
	engine := cache.New(arts, res).WithMetrics(metrics)

	housekeeper := hk.New()
	evictor := hk.NewEvictor(metaStore, blobs, cfg.Eviction.BatchSize, cfg.Eviction.Workers).WithMetrics(metrics)
	housekeeper.Reg("evict-expired-cache-entries", cfg.Eviction.Interval, func(ctx context.Context) {
		if err := evictor.Sweep(ctx); err != nil {
			cmn.Logger.Errorw("eviction sweep failed", "error", err)
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	mountAdapters(mux, engine, res, cfg)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	housekeeper.Start(runCtx)

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		cmn.Logger.Infow("listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cmn.Logger.Fatalw("http server", "error", err)
		}
	}()

	<-runCtx.Done()
	cmn.Logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		cmn.Logger.Errorw("graceful shutdown", "error", err)
	}
	housekeeper.Stop()
}

func openMetaStore(cfg *cmn.Config) (meta.Store, error) {
	if cfg.Metadata.DSN == "" {
		cmn.Logger.Warnw("no metadata DSN configured, using in-memory store (dev only)")
		return meta.NewMemory(), nil
	}
	key, err := decodeEncryptionKey(cfg.Secrets.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return meta.NewPostgres(cfg.Metadata.DSN, cfg.Metadata.MaxOpenConns, cfg.Metadata.MaxIdleConns, key)
}

func decodeEncryptionKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == 32 {
		return key, nil
	}
	if len(s) == 32 {
		return []byte(s), nil
	}
	return nil, cmn.WrapInternal("credential encryption key must be 32 bytes (raw or base64)", nil)
}

func openBlobs(cfg cmn.BlobsConfig) (store.Blobs, error) {
	switch cfg.Kind {
	case cmn.BackendS3:
		return store.NewS3(cfg)
	case cmn.BackendAzure:
		return store.NewAzureBlob(cfg)
	case cmn.BackendFS, "":
		root := cfg.FSRoot
		if root == "" {
			root = "./amargo-blobs"
		}
		return store.NewFS(root)
	default:
		return nil, cmn.WrapInternal(fmt.Sprintf("unknown blobs backend %q", cfg.Kind), nil)
	}
}

// reconcile upserts every declaratively configured Repository and Group,
// and their membership, idempotently at startup (spec §3 Repository
// lifecycle: "created/updated from declarative configuration at startup").
func reconcile(ctx context.Context, metaStore meta.Store, cfg *cmn.Config) error {
	nameToID := make(map[string]string, len(cfg.Repositories))
	for _, rc := range cfg.Repositories {
		r := &meta.Repository{
			Name:       rc.Name,
			Format:     meta.Format(rc.Format),
			Type:       meta.RepoType(rc.Type),
			Upstream:   rc.Upstream,
			DefaultTTL: rc.DefaultTTL,
			Enabled:    rc.Enabled,
		}
		if rc.User != "" || rc.Password != "" {
			r.Credentials = &meta.Credentials{User: rc.User, Password: rc.Password}
		}
		if existing, err := metaStore.GetRepositoryByName(ctx, rc.Name); err == nil {
			r.ID = existing.ID
		}
		if err := metaStore.UpsertRepository(ctx, r); err != nil {
			return cmn.WrapInternal("reconcile repository "+rc.Name, err)
		}
		nameToID[rc.Name] = r.ID
	}

	for _, gc := range cfg.Groups {
		g := &meta.Group{Name: gc.Name, Format: meta.Format(gc.Format)}
		if existing, err := metaStore.GetGroupByName(ctx, gc.Name); err == nil {
			g.ID = existing.ID
		}
		if err := metaStore.UpsertGroup(ctx, g); err != nil {
			return cmn.WrapInternal("reconcile group "+gc.Name, err)
		}
		members := make([]meta.GroupMember, 0, len(gc.Members))
		for _, mc := range gc.Members {
			repoID, ok := nameToID[mc.Repository]
			if !ok {
				return cmn.WrapInternal(fmt.Sprintf("group %s references unknown repository %s", gc.Name, mc.Repository), nil)
			}
			members = append(members, meta.GroupMember{GroupID: g.ID, RepositoryID: repoID, Priority: mc.Priority})
		}
		if err := metaStore.SetGroupMembers(ctx, g.ID, members); err != nil {
			return cmn.WrapInternal("reconcile group members for "+gc.Name, err)
		}
	}
	return nil
}

// mountAdapters wires one protocol-adapter handler per repository or group
// whose format matches, under the conventional per-format URL prefixes
// (spec §6).
func mountAdapters(mux *http.ServeMux, engine *cache.Engine, res *resolver.Resolver, cfg *cmn.Config) {
	targets := make(map[meta.Format][]string)
	for _, rc := range cfg.Repositories {
		if rc.Type != string(meta.TypeGroup) {
			targets[meta.Format(rc.Format)] = append(targets[meta.Format(rc.Format)], rc.Name)
		}
	}
	for _, gc := range cfg.Groups {
		targets[meta.Format(gc.Format)] = append(targets[meta.Format(gc.Format)], gc.Name)
	}

	for _, target := range targets[meta.FormatNPM] {
		mux.Handle("/npm/"+target+"/", http.StripPrefix("/npm/"+target, npm.New(target, engine, res)))
	}
	for _, target := range targets[meta.FormatPyPI] {
		mux.Handle("/pypi/"+target+"/", http.StripPrefix("/pypi/"+target, pypi.New(target, engine, res)))
	}
	for _, target := range targets[meta.FormatDocker] {
		mux.Handle("/docker/"+target+"/", http.StripPrefix("/docker/"+target, docker.New(target, engine, res)))
	}
	for _, target := range targets[meta.FormatGo] {
		mux.Handle("/go/"+target+"/", http.StripPrefix("/go/"+target, gomod.New(target, engine, res)))
	}
	for _, target := range targets[meta.FormatMaven] {
		mux.Handle("/maven/"+target+"/", http.StripPrefix("/maven/"+target, maven.New(target, engine, res)))
	}
	for _, target := range targets[meta.FormatNuGet] {
		base := cfg.Server.ListenAddr // the listen address as-is; no config field overrides it
		mux.Handle("/nuget/"+target+"/", http.StripPrefix("/nuget/"+target, nuget.New(target, base, engine, res)))
	}
}
