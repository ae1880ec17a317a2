package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/comail/colog"

	"github.com/agrisense/edgesync/internal/config"
	csvlog "github.com/agrisense/edgesync/internal/handler/csv"
	"github.com/agrisense/edgesync/internal/link"
	"github.com/agrisense/edgesync/internal/queue"
	"github.com/agrisense/edgesync/internal/relay"
	"github.com/agrisense/edgesync/internal/router"
	"github.com/agrisense/edgesync/internal/status"
	"github.com/agrisense/edgesync/internal/watchdog"
)

func main() {
	colog.Register()
	colog.ParseFields(true)
	colog.SetMinLevel(colog.LDebug)

	configFile := flag.String("config", "edgesync.toml", "configuration")
	flag.Parse()

	conf, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}

	q, err := queue.Open(conf.Queue.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer q.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	// The initial connect can fail while a broker is still coming up;
	// retry with backoff. Reconnects after that are paho's job.
	wait := 250 * time.Millisecond
	maxWait := 60 * time.Second
	for {
		err := run(conf, q, sig)
		if err == nil {
			return
		}
		log.Println("error: ", err)
		select {
		case <-sig:
			return
		case <-time.After(wait):
		}
		if wait < maxWait {
			wait *= 2
		}
	}
}

func run(conf config.Config, q *queue.Queue, sig chan os.Signal) error {
	r := relay.New(conf, q)

	cloud, err := link.NewCloud(conf.Cloud, conf.Edge.ID, r.HandleCommand)
	if err != nil {
		return err
	}
	defer cloud.Disconnect()
	r.SetCloud(cloud)

	rt := router.New()
	rt.Add(conf.Local.DataTopic, router.Func(r.HandleData))
	rt.Add(conf.Local.AlarmTopic, router.Func(r.HandleAlarm))

	if conf.Local.CSVLog != "" {
		out, err := os.Create(conf.Local.CSVLog)
		if err != nil {
			return err
		}
		defer out.Close()
		traffic := csvlog.NewTrafficLog(out)
		defer traffic.Stop()
		rt.Add("#", traffic)
	}

	if conf.Watchdog.KillAfterSilence.Std() > 0 {
		wd := watchdog.New(conf.Watchdog.KillAfterSilence.Std())
		defer wd.Stop()
		rt.Add("#", wd)
	}

	local, err := link.NewLocal(conf.Local, rt.Receive)
	if err != nil {
		return err
	}
	defer local.Disconnect()
	r.SetLocal(local)

	if conf.Status.Listen != "" {
		go func() {
			if err := status.Serve(conf.Status.Listen, r.Status); err != nil {
				log.Println("error: status server:", err)
			}
		}()
	}

	r.Start()
	defer r.Stop()

	log.Printf("info: edgesync started edge_id=%s local=%s cloud=%s realtime=%v",
		conf.Edge.ID, conf.Local.URL, conf.Cloud.URL, conf.Sync.Realtime)

	<-sig
	log.Print("info: shutting down")
	return nil
}
