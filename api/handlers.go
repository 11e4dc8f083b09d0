package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/bronifty/trellix-replicache/domain"
	"github.com/bronifty/trellix-replicache/replicache"
)

// Register wires up all sync routes on the provided Echo instance.
func Register(e *echo.Echo, proc Processor, auth Authenticator, poker Poker, broker *PokeBroker, logger *log.Logger) {
	e.POST("/api/push", handlePush(proc, auth, poker, logger), GzipRequestMiddleware())
	e.POST("/api/pull", handlePull(proc, auth, logger))
	e.GET("/api/poke", handlePokeStream(auth, broker))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func handlePush(proc Processor, auth Authenticator, poker Poker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics := newSyncRequestMetrics(logger, "/api/push")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		accountID, authErr := auth.AccountIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		decodeStart := time.Now()
		lr := io.LimitReader(c.Request().Body, pushMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()
		var req replicache.PushRequest
		if decErr := dec.Decode(&req); decErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		metrics.ObserveDecode(time.Since(decodeStart))
		metrics.SetMutations(len(req.Mutations))
		if req.ClientGroupID == "" {
			metrics.SetErrorStage("missing_client_group")
			err = c.String(http.StatusBadRequest, "missing clientGroupID")
			return err
		}

		processStart := time.Now()
		res, pushErr := proc.Push(ctx, accountID, req)
		metrics.ObserveProcess(time.Since(processStart))
		metrics.SetOutcome(res.Applied, res.Skipped, len(res.Rejected))

		// Poke even when the push later aborted: the committed prefix is
		// new state the account's other replicas should pull.
		if res.Applied > 0 && poker != nil {
			if pokeErr := poker.Poke(ctx, accountID); pokeErr != nil {
				logger.Warnf("poke after push failed: %v", pokeErr)
			}
		}

		if pushErr != nil {
			switch {
			case errors.Is(pushErr, replicache.ErrFutureMutation):
				metrics.SetErrorStage("future_mutation")
				err = c.JSON(http.StatusConflict, pushResponse{Error: pushErr.Error()})
			case errors.Is(pushErr, domain.ErrForbidden):
				metrics.SetErrorStage("forbidden")
				err = c.JSON(http.StatusForbidden, pushResponse{Error: pushErr.Error()})
			default:
				metrics.SetErrorStage("process")
				c.Logger().Error(pushErr)
				err = c.String(http.StatusInternalServerError, pushErr.Error())
			}
			return err
		}

		err = c.JSON(http.StatusOK, pushResponse{Rejected: res.Rejected})
		return err
	}
}

func handlePull(proc Processor, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics := newSyncRequestMetrics(logger, "/api/pull")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		accountID, authErr := auth.AccountIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		lr := io.LimitReader(c.Request().Body, pullMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		var req replicache.PullRequest
		if decErr := dec.Decode(&req); decErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		if req.ClientGroupID == "" {
			metrics.SetErrorStage("missing_client_group")
			err = c.String(http.StatusBadRequest, "missing clientGroupID")
			return err
		}

		processStart := time.Now()
		resp, pullErr := proc.Pull(ctx, accountID, req)
		metrics.ObserveProcess(time.Since(processStart))
		if pullErr != nil {
			if errors.Is(pullErr, domain.ErrForbidden) {
				metrics.SetErrorStage("forbidden")
				err = c.String(http.StatusForbidden, pullErr.Error())
				return err
			}
			metrics.SetErrorStage("process")
			c.Logger().Error(pullErr)
			err = c.String(http.StatusInternalServerError, pullErr.Error())
			return err
		}
		metrics.SetPatchOps(len(resp.Patch))

		err = c.JSON(http.StatusOK, resp)
		return err
	}
}
