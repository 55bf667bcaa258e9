// Command ccid-diagd is a read-only diagnostic HTTP surface over the
// driver's open channels: channel/slot/ATR state as JSON, the
// host-facing counterpart to pkg/ifd's in-process handle API.
package main

import (
	"encoding/hex"
	"flag"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"ccid/internal/config"
	"ccid/pkg/ifd"
)

func main() {
	addr := flag.String("addr", ":8089", "diagnostic HTTP listen address")
	confPath := flag.String("config", "", "path to the ifdLogLevel/ifdDriverOptions property file")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		log.Fatalf("ccid-diagd: load config: %v", err)
	}
	log.Printf("ccid-diagd: starting, log level %s", cfg.LogLevel)

	drv := ifd.New()

	if cfg.LogLevel != "debug" && cfg.LogLevel != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/channels", func(c *gin.Context) {
		out := make([]gin.H, 0)
		for handle, slot := range drv.Channels() {
			entry := gin.H{
				"handle":   handle,
				"index":    slot.Index,
				"name":     slot.Name,
				"powered":  slot.Powered,
				"protocol": slot.Protocol,
				"present":  slot.Present(),
			}
			if slot.ATR != nil {
				entry["atr"] = hex.EncodeToString(slot.ATR.Bytes())
			}
			out = append(out, entry)
		}
		c.JSON(http.StatusOK, out)
	})

	log.Printf("ccid-diagd: listening on %s", *addr)
	if err := router.Run(*addr); err != nil {
		log.Fatalf("ccid-diagd: %v", err)
	}
}
