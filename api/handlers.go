package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"library-circulation/library"
)

type memberRequest struct {
	MemberID string `json:"memberId" binding:"required"`
}

type staffRequest struct {
	MemberID    string `json:"memberId" binding:"required"`
	LibrarianID string `json:"librarianId" binding:"required"`
}

type librarianRequest struct {
	LibrarianID string `json:"librarianId" binding:"required"`
}

type copiesRequest struct {
	// Delta adds copies when positive and withdraws them when negative.
	Delta int64 `json:"delta" binding:"required"`
}

type finesResponse struct {
	Fines       []library.Fine  `json:"fines"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

// ------------------ Catalog ------------------

func (s *Server) handleListBooks(c *gin.Context) {
	books, err := s.mgr.SearchBooks(c.Request.Context(), c.Query("q"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (s *Server) handleAddBook(c *gin.Context) {
	var req library.NewBook
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	book, err := s.mgr.AddBook(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

func (s *Server) handleGetBook(c *gin.Context) {
	book, err := s.mgr.Book(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (s *Server) handleUpdateBook(c *gin.Context) {
	var req library.BookPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	book, err := s.mgr.UpdateBook(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (s *Server) handleRemoveBook(c *gin.Context) {
	if err := s.mgr.RemoveBook(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCopies(c *gin.Context) {
	var req copiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var (
		book *library.Book
		err  error
	)
	if req.Delta > 0 {
		book, err = s.mgr.AddCopies(c.Request.Context(), c.Param("id"), req.Delta)
	} else {
		book, err = s.mgr.RemoveCopies(c.Request.Context(), c.Param("id"), -req.Delta)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

// ------------------ Circulation ------------------

func (s *Server) handleReserve(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	out, err := s.mgr.RequestBook(c.Request.Context(), c.Param("id"), req.MemberID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (s *Server) handleCancel(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	out, err := s.mgr.CancelRequest(c.Request.Context(), c.Param("id"), req.MemberID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleIssue(c *gin.Context) {
	var req staffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	out, err := s.mgr.IssueBook(c.Request.Context(), c.Param("id"), req.MemberID, req.LibrarianID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleReturn(c *gin.Context) {
	var req staffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	out, err := s.mgr.ReturnBook(c.Request.Context(), c.Param("id"), req.MemberID, req.LibrarianID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePayFine(c *gin.Context) {
	fine, err := s.mgr.PayFine(c.Request.Context(), c.Param("id"), c.Param("bookId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fine)
}

// ------------------ Queue ------------------

func (s *Server) handleQueue(c *gin.Context) {
	entries, err := s.mgr.Queue(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleNextInQueue(c *gin.Context) {
	entry, err := s.mgr.NextInQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleIssueNext(c *gin.Context) {
	var req librarianRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	out, err := s.mgr.IssueNext(c.Request.Context(), c.Param("id"), req.LibrarianID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ------------------ Members ------------------

func (s *Server) handleListMembers(c *gin.Context) {
	members, err := s.mgr.Members(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, members)
}

func (s *Server) handleAddMember(c *gin.Context) {
	var req library.NewMember
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	member, err := s.mgr.AddMember(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

func (s *Server) handleGetMember(c *gin.Context) {
	member, err := s.mgr.Member(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

func (s *Server) handleActiveRecords(c *gin.Context) {
	records, err := s.mgr.ActiveRecords(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleHistory(c *gin.Context) {
	records, err := s.mgr.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleFines(c *gin.Context) {
	fines, err := s.mgr.Fines(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	total := decimal.Zero
	for _, f := range fines {
		if !f.IsPaid {
			total = total.Add(f.Amount)
		}
	}

	c.JSON(http.StatusOK, finesResponse{Fines: fines, Outstanding: total})
}

// ------------------ Audit ------------------

func (s *Server) handleAudit(c *gin.Context) {
	findings, err := s.mgr.Audit(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if findings == nil {
		findings = []library.AuditFinding{}
	}
	c.JSON(http.StatusOK, gin.H{"consistent": len(findings) == 0, "findings": findings})
}
