package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tathienbao/stgeng/internal/topic"
	"github.com/tathienbao/stgeng/internal/types"
)

// Response is the body of every API reply. Code is the engine status code, 0 on success.
type Response struct {
	Code types.StatusCode `json:"code"`
	Msg  string           `json:"msg"`
	Data any              `json:"data,omitempty"`
}

// hisMDRecord is the JSON form of a stored market data record.
type hisMDRecord struct {
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type stgInstRequest struct {
	StgInstID types.StgInstID `json:"stgInstId"`
	Name      string          `json:"stgInstName"`
	AcctID    types.AcctID    `json:"acctId"`
	UserID    uint32          `json:"userId"`
	Params    string          `json:"stgInstParams"`
}

type manualInterventionRequest struct {
	Command  string `json:"command" binding:"required"`
	Operator string `json:"operator"`
}

type safeModeRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

type safeModeResponse struct {
	SafeMode bool      `json:"safeMode"`
	Reason   string    `json:"reason,omitempty"`
	Since    time.Time `json:"since,omitzero"`
	Changed  bool      `json:"changed"`
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: types.StatusSuccess, Msg: types.StatusMsg(types.StatusSuccess), Data: data})
}

func fail(c *gin.Context, code types.StatusCode, msg string) {
	if msg == "" {
		msg = types.StatusMsg(code)
	}
	c.JSON(httpStatus(code), Response{Code: code, Msg: msg})
}

func failErr(c *gin.Context, err error) {
	fail(c, types.StatusOf(err), err.Error())
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Code: types.StatusUnknownError, Msg: msg})
}

// httpStatus maps a status code to its HTTP status by error category.
func httpStatus(code types.StatusCode) int {
	switch code {
	case types.StatusSuccess:
		return http.StatusOK
	case types.StatusEngineNotRunning, types.StatusQueueFull:
		return http.StatusServiceUnavailable
	case types.StatusDuplicateStgInst:
		return http.StatusConflict
	case types.StatusOrderRateExceeded:
		return http.StatusTooManyRequests
	case types.StatusHisMDQueryFailed, types.StatusPrivateDataFailed, types.StatusAddOrderFailed,
		types.StatusHandlerFault, types.StatusUnknownError:
		return http.StatusInternalServerError
	case types.StatusTopicNotSubscribed, types.StatusPnlNotExists, types.StatusConvRateNotFound,
		types.StatusStgInstNotFound, types.StatusPrivateDataNotFound, types.StatusOrderNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func parseInstID(c *gin.Context) (types.StgInstID, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		fail(c, types.StatusInvalidStgInstID, fmt.Sprintf("invalid strategy instance id %q", c.Param("id")))
		return 0, false
	}
	return types.StgInstID(id), true
}

// parseTs accepts unix milliseconds or RFC 3339.
func parseTs(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// ListStgInsts returns every instance ordered by id.
func (s *Server) ListStgInsts(c *gin.Context) {
	success(c, s.engine.StgInsts())
}

// GetStgInst returns one instance.
func (s *Server) GetStgInst(c *gin.Context) {
	id, ok := parseInstID(c)
	if !ok {
		return
	}
	info, found := s.engine.StgInst(id)
	if !found {
		fail(c, types.StatusStgInstNotFound, "")
		return
	}
	success(c, info)
}

// AddStgInst adds an instance.
func (s *Server) AddStgInst(c *gin.Context) {
	var req stgInstRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	info := req.info(s.cfg.StgID)
	if err := s.engine.AddStgInst(c.Request.Context(), info); err != nil {
		s.logger.Warn("add instance failed", "stg_inst_id", info.StgInstID, "err", err)
		failErr(c, err)
		return
	}
	s.logger.Info("instance added via api", "stg_inst_id", info.StgInstID)
	success(c, info)
}

// ChgStgInst replaces the info of an instance.
func (s *Server) ChgStgInst(c *gin.Context) {
	id, ok := parseInstID(c)
	if !ok {
		return
	}
	var req stgInstRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.StgInstID != 0 && req.StgInstID != id {
		badRequest(c, fmt.Sprintf("body stgInstId %d does not match path id %d", req.StgInstID, id))
		return
	}
	req.StgInstID = id

	info := req.info(s.cfg.StgID)
	if err := s.engine.ChgStgInst(c.Request.Context(), info); err != nil {
		s.logger.Warn("change instance failed", "stg_inst_id", id, "err", err)
		failErr(c, err)
		return
	}
	success(c, info)
}

// DelStgInst removes an instance.
func (s *Server) DelStgInst(c *gin.Context) {
	id, ok := parseInstID(c)
	if !ok {
		return
	}
	if err := s.engine.RemoveStgInst(c.Request.Context(), id); err != nil {
		s.logger.Warn("remove instance failed", "stg_inst_id", id, "err", err)
		failErr(c, err)
		return
	}
	s.logger.Info("instance removed via api", "stg_inst_id", id)
	success(c, nil)
}

// ManualIntervention delivers an operator command to an instance.
func (s *Server) ManualIntervention(c *gin.Context) {
	id, ok := parseInstID(c)
	if !ok {
		return
	}
	var req manualInterventionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	mi := types.ManualIntervention{Command: req.Command, Operator: req.Operator, Timestamp: time.Now()}
	if err := s.engine.PublishManualIntervention(c.Request.Context(), id, mi); err != nil {
		failErr(c, err)
		return
	}
	success(c, nil)
}

// GetOrder returns an order by engine order id.
func (s *Server) GetOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Sprintf("invalid order id %q", c.Param("id")))
		return
	}
	code, o := s.engine.GetOrderInfo(types.OrderID(id))
	if code != types.StatusSuccess {
		fail(c, code, "")
		return
	}
	success(c, o)
}

// QueryPnl computes PnL. Every query parameter except calcCcy and convCcy is part of the condition,
// e.g. /v1/pnl?stgId=10000&stgInstId=1&calcCcy=USDT.
func (s *Server) QueryPnl(c *gin.Context) {
	query := c.Request.URL.Query()
	calcCcy := query.Get("calcCcy")
	convCcy := query.Get("convCcy")
	query.Del("calcCcy")
	query.Del("convCcy")

	code, res := s.engine.QueryPnl(query.Encode(), calcCcy, convCcy)
	if code != types.StatusSuccess {
		fail(c, code, "")
		return
	}
	success(c, res)
}

// QueryHisMD queries stored market data. mode is between (begin, end), before (ts, num) or after (ts, num).
func (s *Server) QueryHisMD(c *gin.Context) {
	t, err := topic.MDFromParts(c.Param("market"), c.Param("symbolType"), c.Param("symbol"), c.Param("mdType"))
	if err != nil {
		fail(c, types.StatusInvalidHisMDQuery, err.Error())
		return
	}

	ctx := c.Request.Context()
	var (
		code types.StatusCode
		recs []types.HisMDRecord
	)
	switch mode := c.Param("mode"); mode {
	case "between":
		begin, err1 := parseTs(c.Query("begin"))
		end, err2 := parseTs(c.Query("end"))
		if err := errors.Join(err1, err2); err != nil {
			fail(c, types.StatusInvalidHisMDQuery, "begin and end must be unix millis or RFC 3339")
			return
		}
		code, recs = s.engine.QueryHisMDBetween2Ts(ctx, t, begin, end)
	case "before", "after":
		ts, err := parseTs(c.Query("ts"))
		if err != nil {
			fail(c, types.StatusInvalidHisMDQuery, "ts must be unix millis or RFC 3339")
			return
		}
		num, err := strconv.Atoi(c.DefaultQuery("num", "1"))
		if err != nil {
			fail(c, types.StatusInvalidHisMDQuery, "num must be an integer")
			return
		}
		if mode == "before" {
			code, recs = s.engine.QuerySpecificNumOfHisMDBeforeTs(ctx, t, ts, num)
		} else {
			code, recs = s.engine.QuerySpecificNumOfHisMDAfterTs(ctx, t, ts, num)
		}
	default:
		c.JSON(http.StatusNotFound, Response{Code: types.StatusInvalidHisMDQuery, Msg: fmt.Sprintf("unknown mode %q", mode)})
		return
	}

	if code != types.StatusSuccess {
		fail(c, code, "")
		return
	}
	out := make([]hisMDRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, hisMDRecord{Topic: r.Topic, Timestamp: r.Timestamp, Data: json.RawMessage(r.Data)})
	}
	success(c, out)
}

// GetSafeMode returns the safe mode state.
func (s *Server) GetSafeMode(c *gin.Context) {
	st := s.engine.RiskState()
	success(c, safeModeResponse{SafeMode: st.SafeMode, Reason: st.SafeModeReason, Since: st.SafeModeAt})
}

// SetSafeMode enters or exits safe mode.
func (s *Server) SetSafeMode(c *gin.Context) {
	var req safeModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	var changed bool
	if req.Enabled {
		reason := req.Reason
		if reason == "" {
			reason = "operator request"
		}
		changed = s.engine.EnterSafeMode(reason)
	} else {
		changed = s.engine.ExitSafeMode()
	}
	s.logger.Warn("safe mode set via api", "enabled", req.Enabled, "changed", changed, "reason", req.Reason)

	st := s.engine.RiskState()
	success(c, safeModeResponse{SafeMode: st.SafeMode, Reason: st.SafeModeReason, Since: st.SafeModeAt, Changed: changed})
}

func (r stgInstRequest) info(stg types.StgID) types.StgInstInfo {
	return types.StgInstInfo{
		StgID:     stg,
		StgInstID: r.StgInstID,
		Name:      r.Name,
		AcctID:    r.AcctID,
		UserID:    r.UserID,
		Params:    r.Params,
	}
}
