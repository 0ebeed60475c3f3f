package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"librarydesk/internal/auth"
	"librarydesk/internal/dto"
	"librarydesk/internal/services"
)

type LibraryHandler struct {
	svc  services.LibraryService
	ping func(context.Context) error
}

// NewRouter builds the gin engine with logging, recovery, request ids and CORS.
func NewRouter(svc services.LibraryService, resolver CallerResolver, ping func(context.Context) error) *gin.Engine {
	router := gin.Default()
	router.Use(requestID(), cors())
	RegisterRoutes(router, svc, resolver, ping)
	return router
}

func RegisterRoutes(r *gin.Engine, svc services.LibraryService, resolver CallerResolver, ping func(context.Context) error) {
	h := &LibraryHandler{svc: svc, ping: ping}
	authed := requireCaller(resolver)

	// Public endpoints
	r.GET("/", h.root)
	r.GET("/manage/health", h.health)
	r.POST("/users/", h.createUser)
	r.POST("/login", h.login)
	r.GET("/get_all_users/", h.listUsers)
	r.GET("/books/", h.listBooks)
	r.GET("/all_assignments/", h.listAssignments)

	// Super admin endpoints
	r.POST("/add_book/", authed, h.addBook)
	r.PUT("/delete_book/", authed, h.deleteBook)

	// Library manager endpoints
	r.POST("/assign_book/", authed, h.assignBook)
	r.POST("/submit_book/", authed, h.submitBook)
	r.GET("/overdue_assignments/", authed, h.overdueAssignments)

	// Any signed-in user
	r.GET("/me", authed, h.me)
	r.GET("/users/:id/open_assignments/", authed, h.openAssignments)
}

func (h *LibraryHandler) root(c *gin.Context) {
	c.JSON(http.StatusOK, dto.MessageResponse{Message: "Welcome to the Library Management API"})
}

func (h *LibraryHandler) health(c *gin.Context) {
	if h.ping != nil {
		if err := h.ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "detail": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *LibraryHandler) createUser(c *gin.Context) {
	var req dto.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	user, err := h.svc.CreateUser(c.Request.Context(), services.NewUser{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// login accepts JSON or form-encoded credentials.
func (h *LibraryHandler) login(c *gin.Context) {
	var req dto.LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		writeBindError(c, err)
		return
	}

	token, err := h.svc.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.TokenResponse{AccessToken: token, TokenType: auth.TokenType})
}

func (h *LibraryHandler) listUsers(c *gin.Context) {
	users, err := h.svc.ListUsers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *LibraryHandler) me(c *gin.Context) {
	c.JSON(http.StatusOK, callerFrom(c))
}

func (h *LibraryHandler) addBook(c *gin.Context) {
	var req dto.CreateBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	book, err := h.svc.AddBook(c.Request.Context(), callerFrom(c), services.NewBook{
		Name:       req.BookName,
		Price:      req.Price,
		AuthorName: req.AuthorName,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (h *LibraryHandler) listBooks(c *gin.Context) {
	books, err := h.svc.ListBooks(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (h *LibraryHandler) deleteBook(c *gin.Context) {
	var req dto.DeleteBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	book, err := h.svc.DeleteBook(c.Request.Context(), callerFrom(c), req.BookID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (h *LibraryHandler) assignBook(c *gin.Context) {
	var req dto.AssignBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	assignment, err := h.svc.AssignBook(c.Request.Context(), callerFrom(c), req.UserID, req.BookName, req.AuthorName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

func (h *LibraryHandler) submitBook(c *gin.Context) {
	var req dto.SubmitBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	assignment, err := h.svc.SubmitBook(c.Request.Context(), callerFrom(c), req.BookID, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

func (h *LibraryHandler) listAssignments(c *gin.Context) {
	assignments, err := h.svc.ListAssignments(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignments)
}

func (h *LibraryHandler) openAssignments(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Detail: "invalid user id"})
		return
	}

	loans, err := h.svc.OpenLoans(c.Request.Context(), callerFrom(c), uint(userID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loans)
}

func (h *LibraryHandler) overdueAssignments(c *gin.Context) {
	loans, err := h.svc.OverdueLoans(c.Request.Context(), callerFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loans)
}
