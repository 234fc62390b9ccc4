package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"autotrader/pkg/brokers/common"
)

// Client implements the brokerage gateway over the KIS domestic-stock API.
var _ common.Gateway = (*Client)(nil)

// CreateOrder places a cash order and returns the broker identifiers.
func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderReceipt, error) {
	var trID string
	if req.Side == common.Buy {
		trID = c.trID("VTTC0802U", "TTTC0802U")
	} else {
		trID = c.trID("VTTC0801U", "TTTC0801U")
	}

	price := "0"
	if req.OrdDvsn != "01" && req.Price.IsPositive() { // "01" is a market order
		price = req.Price.String()
	}

	body := map[string]string{
		"CANO":         c.cfg.AccountNo,
		"ACNT_PRDT_CD": c.cfg.AccountProduct,
		"PDNO":         req.Code,
		"ORD_DVSN":     req.OrdDvsn,
		"ORD_QTY":      fmt.Sprint(req.Qty),
		"ORD_UNPR":     price,
	}

	env, err := c.request(ctx, trID, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-cash", nil, body)
	if err != nil {
		return common.OrderReceipt{}, err
	}

	out := decodeObject(env.Output)
	receipt := common.OrderReceipt{
		OrderID: pickString(out, "ODNO", "odno", "ORD_NO"),
		OrgID:   pickString(out, "KRX_FWDG_ORD_ORGNO", "krx_fwdg_ord_orgno", "ORD_ORGNO"),
		Raw:     string(env.raw),
	}
	if receipt.OrderID == "" {
		return common.OrderReceipt{}, fmt.Errorf("order accepted but ODNO missing: %s", truncate(env.raw, 200))
	}
	return receipt, nil
}

// CancelOrder cancels the unfilled remainder of an accepted order.
func (c *Client) CancelOrder(ctx context.Context, req common.CancelRequest) error {
	body := map[string]string{
		"CANO":               c.cfg.AccountNo,
		"ACNT_PRDT_CD":       c.cfg.AccountProduct,
		"KRX_FWDG_ORD_ORGNO": req.OrgID,
		"ORGN_ODNO":          req.OrderID,
		"ORD_DVSN":           req.OrdDvsn,
		"ORD_QTY":            fmt.Sprint(req.Qty),
		"RVSE_CNCL_DVSN_CD":  "02", // cancel (as opposed to revise)
		"PDNO":               req.Code,
		"ORD_UNPR":           "0",
	}

	_, err := c.request(ctx, c.trID("VTTC0803U", "TTTC0803U"), http.MethodPost,
		"/uapi/domestic-stock/v1/trading/order-rvsecncl", nil, body)
	return err
}

// GetFills returns the day's execution reports, one per broker order.
func (c *Client) GetFills(ctx context.Context, date string) ([]common.Fill, error) {
	compact := strings.ReplaceAll(date, "-", "")
	params := url.Values{}
	params.Set("CANO", c.cfg.AccountNo)
	params.Set("ACNT_PRDT_CD", c.cfg.AccountProduct)
	params.Set("INQR_STRT_DT", compact)
	params.Set("INQR_END_DT", compact)
	params.Set("SLL_BUY_DVSN_CD", "00")
	params.Set("INQR_DVSN", "00")
	params.Set("PDNO", "")
	params.Set("CCLD_DVSN", "00")
	params.Set("ORD_GNO_BRNO", "")
	params.Set("ODNO", "")
	params.Set("INQR_DVSN_3", "00")
	params.Set("INQR_DVSN_1", "")
	params.Set("CTX_AREA_FK100", "")
	params.Set("CTX_AREA_NK100", "")

	env, err := c.request(ctx, c.trID("VTTC8001R", "TTTC8001R"), http.MethodGet,
		"/uapi/domestic-stock/v1/trading/inquire-daily-ccld", params, nil)
	if err != nil {
		return nil, err
	}

	rows := decodeList(env.Output1)
	if rows == nil {
		rows = decodeList(env.Output)
	}

	fills := make([]common.Fill, 0, len(rows))
	for _, row := range rows {
		orderID := pickString(row, "odno", "ODNO", "ord_no")
		if orderID == "" {
			continue
		}
		raw, _ := json.Marshal(row)
		fills = append(fills, common.Fill{
			OrderID:   orderID,
			Code:      pickString(row, "pdno", "PDNO"),
			FilledQty: pickInt(row, "tot_ccld_qty", "TOT_CCLD_QTY", "ccld_qty"),
			AvgPrice:  pickDecimal(row, "avg_prvs", "AVG_PRVS", "avg_prc"),
			Raw:       string(raw),
		})
	}
	return fills, nil
}

// GetBalances returns cash plus every broker-reported holding. The caller
// treats this snapshot as the authoritative position state.
func (c *Client) GetBalances(ctx context.Context) (common.Balance, error) {
	params := url.Values{}
	params.Set("CANO", c.cfg.AccountNo)
	params.Set("ACNT_PRDT_CD", c.cfg.AccountProduct)
	params.Set("AFHR_FLPR_YN", "N")
	params.Set("OFL_YN", "")
	params.Set("INQR_DVSN", "00")
	params.Set("UNPR_DVSN", "01")
	params.Set("FUND_STTL_ICLD_YN", "N")
	params.Set("FNCG_AMT_AUTO_RDPT_YN", "N")
	params.Set("PRCS_DVSN", "01")
	params.Set("CTX_AREA_FK100", "")
	params.Set("CTX_AREA_NK100", "")

	env, err := c.request(ctx, c.trID("VTTC8434R", "TTTC8434R"), http.MethodGet,
		"/uapi/domestic-stock/v1/trading/inquire-balance", params, nil)
	if err != nil {
		return common.Balance{}, err
	}

	var bal common.Balance
	for _, row := range decodeList(env.Output1) {
		code := pickString(row, "pdno", "PDNO")
		qty := pickInt(row, "hldg_qty", "HLDG_QTY")
		if code == "" || qty <= 0 {
			continue
		}
		bal.Holdings = append(bal.Holdings, common.Holding{
			Code:     code,
			Name:     pickString(row, "prdt_name", "PRDT_NAME"),
			Qty:      qty,
			AvgPrice: pickDecimal(row, "pchs_avg_pric", "PCHS_AVG_PRIC"),
		})
	}
	if summary := decodeList(env.Output2); len(summary) > 0 {
		bal.Cash = pickDecimal(summary[0], "prcs_bal", "dnca_tot_amt", "DNCA_TOT_AMT")
	}
	return bal, nil
}

// GetHistory fetches daily bars for an inclusive date range.
func (c *Client) GetHistory(ctx context.Context, code string, r common.DateRange) ([]common.Bar, error) {
	params := url.Values{}
	params.Set("FID_COND_MRKT_DIV_CODE", "J")
	params.Set("FID_INPUT_ISCD", code)
	params.Set("FID_INPUT_DATE_1", strings.ReplaceAll(r.Start, "-", ""))
	params.Set("FID_INPUT_DATE_2", strings.ReplaceAll(r.End, "-", ""))
	params.Set("FID_PERIOD_DIV_CODE", "D")
	params.Set("FID_ORG_ADJ_PRC", "0")

	env, err := c.request(ctx, "FHKST03010100", http.MethodGet,
		"/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice", params, nil)
	if err != nil {
		return nil, err
	}

	rows := decodeList(env.Output2)
	if rows == nil {
		rows = decodeList(env.Output)
	}

	bars := make([]common.Bar, 0, len(rows))
	for _, row := range rows {
		date := pickString(row, "stck_bsop_date", "STCK_BSOP_DATE")
		if len(date) != 8 {
			continue // the API pads short ranges with empty rows
		}
		bars = append(bars, common.Bar{
			Date:   date[:4] + "-" + date[4:6] + "-" + date[6:],
			Open:   pickFloat(row, "stck_oprc", "STCK_OPRC"),
			High:   pickFloat(row, "stck_hgpr", "STCK_HGPR"),
			Low:    pickFloat(row, "stck_lwpr", "STCK_LWPR"),
			Close:  pickFloat(row, "stck_clpr", "STCK_CLPR"),
			Volume: pickFloat(row, "acml_vol", "ACML_VOL"),
			Amount: pickFloat(row, "acml_tr_pbmn", "ACML_TR_PBMN"),
		})
	}
	// KIS returns newest-first; callers expect ascending dates.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}
