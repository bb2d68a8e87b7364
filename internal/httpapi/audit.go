package httpapi

import (
	"net/http"
	"strconv"

	"freight-guard/internal/rules"

	"github.com/gin-gonic/gin"
)

// GetEntityAudit returns an entity's trail. With ?limit it returns the newest
// entries only; without it, the whole chain plus its integrity status.
func (h Handlers) GetEntityAudit(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	t, err := rules.ParseEntityType(c.Param("type"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")

	if raw := c.Query("limit"); raw != "" {
		limit, ok := limitQuery(c)
		if !ok {
			return
		}
		entries, err := h.Audit.GetEntries(c.Request.Context(), string(t), id, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
		return
	}

	res, err := h.Audit.GetResourceAudit(c.Request.Context(), string(t), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h Handlers) VerifyEntityChain(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	t, err := rules.ParseEntityType(c.Param("type"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mismatches, err := h.Audit.VerifyChain(c.Request.Context(), string(t), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intact": len(mismatches) == 0, "mismatches": mismatches})
}

func (h Handlers) GetAdminActivity(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	days := 0
	if c.Query("days") != "" {
		var ok bool
		if days, ok = intQuery(c, "days"); !ok {
			return
		}
	}
	entries, err := h.Audit.GetAdminActivity(c.Request.Context(), c.Param("performedBy"), days)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h Handlers) GetCorrelation(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	entries, err := h.Audit.GetByCorrelation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h Handlers) GetRuleAudit(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	limit := 0
	if c.Query("limit") != "" {
		var ok bool
		if limit, ok = limitQuery(c); !ok {
			return
		}
	}
	entries, err := h.Audit.GetByRule(c.Request.Context(), c.Param("ruleId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// maxPageLimit caps ?limit on paged audit reads.
const maxPageLimit = 1000

func limitQuery(c *gin.Context) (int, bool) {
	n, ok := intQuery(c, "limit")
	if ok && n > maxPageLimit {
		n = maxPageLimit
	}
	return n, ok
}

func intQuery(c *gin.Context, key string) (int, bool) {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": key + " must be a non-negative integer"})
		return 0, false
	}
	return n, true
}
