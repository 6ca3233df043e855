// Package router implements the request router / reverse proxy (spec C9):
// it classifies every inbound request, applies master-mode forwarding,
// admission control, and the tile cache path, then dispatches to a local
// worker or a remote peer. Grounded on the teacher's internal/api (fiber
// route registration, handler-struct-with-dependencies shape) generalized
// from SMS message routes to tile/pyramid/datasource routes.
package router

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tiler/proxy-balancer/internal/admission"
	"github.com/tiler/proxy-balancer/internal/apperr"
	"github.com/tiler/proxy-balancer/internal/cachedb"
	"github.com/tiler/proxy-balancer/internal/config"
	"github.com/tiler/proxy-balancer/internal/datasource"
	"github.com/tiler/proxy-balancer/internal/jobqueue"
	"github.com/tiler/proxy-balancer/internal/observability"
	"github.com/tiler/proxy-balancer/internal/tilecache"
	"github.com/tiler/proxy-balancer/internal/workerpool"
)

// Deps bundles every long-lived service the router dispatches to.
type Deps struct {
	Cfg         *config.Config
	Pool        *workerpool.Manager
	Admission   *admission.Service
	Datasources *datasource.Registry
	Cache       *cachedb.Registry
	Queue       *jobqueue.Queue
	Logger      *zap.Logger
	Metrics     *observability.Metrics

	peerClient *http.Client
}

// Register mounts every route from §4.2's URI taxonomy onto app, in prefix
// order. Maintenance is registered first because it must keep working even
// when the worker pool is empty (§4.2).
func Register(app *fiber.App, d *Deps) {
	d.peerClient = &http.Client{Timeout: time.Duration(d.Cfg.Server.TimeoutWorkerResponseS) * time.Second}

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.All("/maintenance/:action", d.maintenance)
	app.Get("/api/tile/:ds/:z/:x/:yext", d.tile)
	app.Post("/api/pyramid", d.pyramid)
	app.Delete("/api/datasources", d.datasourceDelete)
	app.All("/api/datasources/load_files", d.datasourceWrite)
	app.All("/api/datasources/reload_files", d.datasourceWrite)
	app.All("/api/datasources/:id?", d.datasourceWrite)
	app.All("/api/health", d.health)
	app.All("/api/jobs", d.debugEcho)
	app.All("/debug", d.debugEcho)
	app.Use(d.blindProxy)
}

func (d *Deps) maintenance(c *fiber.Ctx) error {
	switch c.Params("action") {
	case "add_workers":
		var body struct {
			Count int `json:"count"`
		}
		_ = c.BodyParser(&body)
		d.Pool.AddWorkers(body.Count)
		return apperr.JSON(c, fiber.StatusOK, "workers added")

	case "reload_workers":
		d.Pool.ReloadWorkers()
		return apperr.JSON(c, fiber.StatusOK, "workers reloaded")

	case "terminate_workers":
		d.Pool.TerminateWorkers()
		return apperr.JSON(c, fiber.StatusOK, "workers terminated")

	case "info_workers":
		return c.JSON(d.Pool.InfoWorkers())

	case "increase_limit_cr":
		var body struct {
			N int `json:"n"`
		}
		_ = c.BodyParser(&body)
		d.Admission.AddPermits(body.N)
		return apperr.JSON(c, fiber.StatusOK, "concurrency limit increased")

	case "decrease_limit_cr":
		var body struct {
			N int `json:"n"`
		}
		_ = c.BodyParser(&body)
		d.Admission.ForgetPermits(body.N)
		return apperr.JSON(c, fiber.StatusOK, "concurrency limit decreased")

	default:
		return apperr.NotFound(c, "unknown maintenance action")
	}
}

func (d *Deps) tile(c *fiber.Ctx) error {
	data := d.Pool.GetWorkerData()
	if data == nil {
		return apperr.Internal(c, "no workers available")
	}

	coords, ok := tilecache.ParseURI(c.Path())
	if !ok {
		return apperr.BadRequest(c, "malformed tile URI")
	}
	if coords.Z > tilecache.MaxZoom {
		return apperr.BadRequest(c, fmt.Sprintf("zoom %d exceeds maximum %d", coords.Z, tilecache.MaxZoom))
	}

	info, known := d.Datasources.Lookup(coords.DataSource)

	if d.Cfg.Server.Master && known && !info.Local(d.Cfg.Server.Address) {
		return d.forwardToPeer(c, info)
	}
	if d.Cfg.Server.Master && !known {
		return apperr.NotFound(c, fmt.Sprintf("datasource '%s' not found", coords.DataSource))
	}

	res, found, err := tilecache.ReadDisk(d.Cfg.CWD, coords)
	if err != nil {
		if err == tilecache.ErrEmptyFile {
			return apperr.BadRequest(c, "on-disk tile file is empty")
		}
		return apperr.Internal(c, err.Error())
	}
	if found {
		return sendTile(c, res)
	}

	dbPath := tilecache.CacheDBPath(d.Cfg.CWD, coords.DataSource)
	res, found, err = tilecache.ReadCacheDB(d.Cache, dbPath, coords)
	if err != nil {
		return apperr.Internal(c, err.Error())
	}
	if found {
		return sendTile(c, res)
	}

	if known && info.UseCacheOnly {
		return apperr.CacheMissTerminal(c)
	}

	permit := d.Admission.GetPermit(data.Port)
	defer permit.Release()

	return proxyRequest(c, data.Client, fmt.Sprintf("http://127.0.0.1:%d%s", data.Port, c.OriginalURL()))
}

func sendTile(c *fiber.Ctx, res tilecache.Result) error {
	if res.Gzipped {
		c.Set("Content-Encoding", "gzip")
	}
	c.Set("Content-Type", res.ContentType)
	return c.Send(res.Data)
}

func (d *Deps) pyramid(c *fiber.Ctx) error {
	data := d.Pool.GetWorkerData()
	if data == nil || len(data.Ports) == 0 {
		return apperr.Internal(c, "no workers available")
	}

	var body struct {
		DataSourceID string     `json:"datasource_id"`
		ScheduledFor *time.Time `json:"scheduled_for"`
	}
	if err := c.BodyParser(&body); err != nil {
		return apperr.BadRequest(c, "invalid JSON body")
	}
	if body.DataSourceID == "" {
		return apperr.BadRequest(c, "datasource_id is required")
	}

	if body.ScheduledFor != nil {
		if !d.Cfg.Server.Master {
			return apperr.BadRequest(c, "scheduled pyramid jobs require master mode")
		}
		_, err := d.Queue.Push(c.Context(), jobqueue.Detail{
			Type:         jobqueue.JobTypePyramid,
			DataSourceID: body.DataSourceID,
			ScheduledFor: body.ScheduledFor,
		})
		if err != nil {
			return apperr.Internal(c, err.Error())
		}
		return c.SendStatus(fiber.StatusAccepted)
	}

	if d.Cfg.Server.Master {
		info, ok := d.Datasources.Lookup(body.DataSourceID)
		if !ok {
			return apperr.NotFound(c, fmt.Sprintf("datasource '%s' not found", body.DataSourceID))
		}
		if !info.Local(d.Cfg.Server.Address) {
			return d.forwardToPeer(c, info)
		}
	}

	d.Cache.Remove(tilecache.CacheDBPath(d.Cfg.CWD, body.DataSourceID), false, true)

	// Concentrate pyramid build traffic on one deterministic worker (§4.2).
	port := data.Ports[0]
	return proxyRequest(c, data.Client, fmt.Sprintf("http://127.0.0.1:%d%s", port, c.OriginalURL()))
}

func (d *Deps) datasourceDelete(c *fiber.Ctx) error {
	var body struct {
		DataSourceID string `json:"datasource_id"`
	}
	if err := c.BodyParser(&body); err != nil || body.DataSourceID == "" {
		return apperr.BadRequest(c, "datasource_id is required")
	}

	data := d.Pool.GetWorkerData()
	if data == nil || len(data.Ports) == 0 {
		return apperr.Internal(c, "no workers available")
	}

	reqBody := append([]byte(nil), c.Body()...)
	headers := cloneHeaders(c)

	var wg sync.WaitGroup
	errs := make(chan error, len(data.Ports))
	for _, port := range data.Ports {
		port := port
		wg.Add(1)
		go func() {
			defer wg.Done()
			url := fmt.Sprintf("http://127.0.0.1:%d/api/datasources", port)
			errs <- fireRequest(data.Client, http.MethodDelete, url, reqBody, headers)
		}()
	}
	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return apperr.JSON(c, fiber.StatusInternalServerError,
			fmt.Sprintf("Error remove DataSource '%s': %v", body.DataSourceID, firstErr))
	}

	d.Cache.Remove(tilecache.CacheDBPath(d.Cfg.CWD, body.DataSourceID), true, false)
	d.Datasources.Update(c.Get("Master-Server") != "")

	return apperr.JSON(c, fiber.StatusOK, fmt.Sprintf("DataSource '%s' successfully remove", body.DataSourceID))
}

func (d *Deps) datasourceWrite(c *fiber.Ctx) error {
	data := d.Pool.GetWorkerData()
	if data == nil {
		return apperr.Internal(c, "no workers available")
	}

	target := fmt.Sprintf("http://127.0.0.1:%d%s", data.Port, c.OriginalURL())
	if err := proxyRequest(c, data.Client, target); err != nil {
		return err
	}

	for _, port := range data.Ports {
		if port == data.Port {
			continue
		}
		port := port
		go func() {
			req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/api/datasources", port), nil)
			if err != nil {
				return
			}
			resp, err := data.Client.Do(req)
			if err != nil {
				d.Logger.Warn("router: refresh worker cache failed", zap.Int("port", port), zap.Error(err))
				return
			}
			resp.Body.Close()
		}()
	}

	d.Datasources.Update(c.Get("Master-Server") != "")
	return nil
}

func (d *Deps) health(c *fiber.Ctx) error {
	data := d.Pool.GetWorkerData()
	if data == nil {
		return c.JSON(fiber.Map{"status": fiber.StatusOK, "error_ports": []int{}, "success_ports": []int{}})
	}

	type result struct {
		port int
		ok   bool
	}
	ch := make(chan result, len(data.Ports))
	for _, port := range data.Ports {
		port := port
		go func() {
			resp, err := data.Client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/health", port))
			if err != nil {
				ch <- result{port, false}
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			ch <- result{port, resp.StatusCode == fiber.StatusOK && bytes.Contains(body, []byte("worker_pid"))}
		}()
	}

	var successPorts, errorPorts []int
	for range data.Ports {
		r := <-ch
		if r.ok {
			successPorts = append(successPorts, r.port)
		} else {
			errorPorts = append(errorPorts, r.port)
		}
	}

	return c.JSON(fiber.Map{"status": fiber.StatusOK, "error_ports": errorPorts, "success_ports": successPorts})
}

func (d *Deps) debugEcho(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"method": c.Method(),
		"path":   c.Path(),
		"body":   string(c.Body()),
	})
}

func (d *Deps) blindProxy(c *fiber.Ctx) error {
	data := d.Pool.GetWorkerData()
	if data == nil {
		return apperr.Internal(c, "no workers available")
	}
	return proxyRequest(c, data.Client, fmt.Sprintf("http://127.0.0.1:%d%s", data.Port, c.OriginalURL()))
}

func (d *Deps) forwardToPeer(c *fiber.Ctx, info datasource.Info) error {
	url := fmt.Sprintf("http://%s:%d%s", info.Host, info.Port, c.OriginalURL())
	return proxyRequest(c, d.peerClient, url)
}
