package configuration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/form3tech-oss/pact-mock/internal/app/contract"
	"github.com/form3tech-oss/pact-mock/internal/app/httpresponse"
	"github.com/form3tech-oss/pact-mock/internal/app/pactmock"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// AdminServer exposes the mock providers over HTTP so tests written in any
// language can drive them.
type AdminServer struct {
	Echo      *echo.Echo
	providers *Providers
	config    Config
}

func NewAdminServer(config Config) *AdminServer {
	a := &AdminServer{
		Echo:      echo.New(),
		providers: NewProviders(config.MockProvider),
		config:    config,
	}
	a.Echo.HideBanner = true
	a.Echo.HidePort = true

	a.Echo.GET("/ready", a.readinessHandler)
	a.Echo.GET("/metrics", a.metricsHandler)
	a.Echo.POST("/providers", a.postProvidersHandler)
	a.Echo.GET("/providers", a.getProvidersHandler)
	a.Echo.DELETE("/providers", a.deleteProvidersHandler)
	a.Echo.DELETE("/providers/:port", a.deleteProviderHandler)
	a.Echo.GET("/providers/:port/verification", a.verificationHandler)
	a.Echo.GET("/providers/:port/interactions/wait", a.interactionsWaitHandler)
	a.Echo.POST("/providers/:port/pact", a.pactHandler)

	return a
}

// ServeAdminAPI starts the admin API on the configured port.
func ServeAdminAPI(config Config) *AdminServer {
	a := NewAdminServer(config)

	go func() {
		address := fmt.Sprintf(":%d", config.AdminPort)
		log.Infof("admin API listening on %s", address)
		if err := a.Echo.Start(address); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	return a
}

func (a *AdminServer) Providers() *Providers {
	return a.providers
}

// Close stops the admin API and every mock provider it started.
func (a *AdminServer) Close(ctx context.Context) error {
	err := a.Echo.Shutdown(ctx)
	a.providers.StopAll(a.config.MockProvider.DrainTimeout)
	return err
}

func (a *AdminServer) readinessHandler(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (a *AdminServer) metricsHandler(c echo.Context) error {
	promhttp.HandlerFor(a.providers.Gatherers(), promhttp.HandlerOpts{}).ServeHTTP(c.Response(), c.Request())
	return nil
}

type startedProvider struct {
	Port int    `json:"port"`
	URL  string `json:"url"`
}

func (a *AdminServer) postProvidersHandler(c echo.Context) error {
	port := 0
	if p := c.QueryParam("port"); p != "" {
		var err error
		if port, err = strconv.Atoi(p); err != nil || port < 0 {
			return c.JSON(http.StatusBadRequest, httpresponse.Errorf("invalid port %q", p))
		}
	}

	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, httpresponse.Errorf("unable to read contract. %s", err.Error()))
	}
	pact, err := contract.Read(data)
	if err != nil {
		apiErr := httpresponse.Errorf("unable to load contract. %s", err.Error())
		var schemaErr *contract.SchemaError
		if errors.As(err, &schemaErr) {
			apiErr = apiErr.WithDetails(schemaErr.Problems)
		}
		return c.JSON(http.StatusBadRequest, apiErr)
	}

	bound, err := a.providers.Start(pact, port)
	if err != nil {
		status := http.StatusInternalServerError
		var bindErr *pactmock.BindError
		if errors.As(err, &bindErr) || errors.Is(err, ErrProviderExists) {
			status = http.StatusConflict
		}
		return c.JSON(status, httpresponse.Errorf("unable to start mock provider. %s", err.Error()))
	}

	mock, err := a.providers.Mock(bound)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, httpresponse.Error(err.Error()))
	}
	return c.JSON(http.StatusCreated, startedProvider{Port: bound, URL: mock.URL()})
}

func (a *AdminServer) getProvidersHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, a.providers.List())
}

func (a *AdminServer) deleteProvidersHandler(c echo.Context) error {
	log.Infof("stopping all mock providers")
	a.providers.StopAll(a.config.MockProvider.DrainTimeout)
	return c.NoContent(http.StatusNoContent)
}

func (a *AdminServer) deleteProviderHandler(c echo.Context) error {
	port, err := portParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, httpresponse.Error(err.Error()))
	}
	verdict, err := a.providers.Stop(port, a.config.MockProvider.DrainTimeout)
	if err != nil {
		return providerError(c, err)
	}
	return c.JSON(http.StatusOK, verdict)
}

func (a *AdminServer) verificationHandler(c echo.Context) error {
	port, err := portParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, httpresponse.Error(err.Error()))
	}
	mock, err := a.providers.Mock(port)
	if err != nil {
		return providerError(c, err)
	}

	verdict := mock.Verify()
	if !verdict.AllRegisteredInteractionsMatched {
		log.Info(verdict.Err())
		return c.JSON(http.StatusInternalServerError, verdict)
	}
	return c.JSON(http.StatusOK, verdict)
}

func (a *AdminServer) interactionsWaitHandler(c echo.Context) error {
	port, err := portParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, httpresponse.Error(err.Error()))
	}
	mock, err := a.providers.Mock(port)
	if err != nil {
		return providerError(c, err)
	}

	count, err := strconv.Atoi(c.QueryParam("count"))
	if err != nil {
		count = 1
	}

	ctx := c.Request().Context()
	if waitFor := c.QueryParam("interaction"); waitFor != "" {
		err = mock.WaitForInteraction(ctx, waitFor, count)
	} else {
		err = mock.WaitForAll(ctx)
	}

	switch {
	case err == nil:
		return c.NoContent(http.StatusOK)
	case errors.Is(err, pactmock.ErrInteractionUnknown):
		return c.JSON(http.StatusBadRequest, httpresponse.Error(err.Error()))
	default:
		return c.JSON(http.StatusRequestTimeout, httpresponse.Error(err.Error()))
	}
}

type writtenPact struct {
	Path string `json:"path"`
}

func (a *AdminServer) pactHandler(c echo.Context) error {
	port, err := portParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, httpresponse.Error(err.Error()))
	}
	pact, err := a.providers.Contract(port)
	if err != nil {
		return providerError(c, err)
	}
	pact.Consumer = firstNonEmpty(c.QueryParam("consumer"), a.config.Consumer, pact.Consumer)
	pact.Provider = firstNonEmpty(c.QueryParam("provider"), a.config.Provider, pact.Provider)

	path, err := contract.WriteFile(a.config.PactDir, pact)
	if err != nil {
		status := http.StatusInternalServerError
		var conflict *contract.ConflictError
		if errors.As(err, &conflict) {
			status = http.StatusConflict
		}
		return c.JSON(status, httpresponse.Errorf("unable to write pact file. %s", err.Error()))
	}
	return c.JSON(http.StatusOK, writtenPact{Path: path})
}

func portParam(c echo.Context) (int, error) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil {
		return 0, errors.Errorf("invalid port %q", c.Param("port"))
	}
	return port, nil
}

func providerError(c echo.Context, err error) error {
	if errors.Is(err, ErrProviderNotFound) {
		return c.JSON(http.StatusNotFound, httpresponse.Error(err.Error()))
	}
	return c.JSON(http.StatusInternalServerError, httpresponse.Error(err.Error()))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
