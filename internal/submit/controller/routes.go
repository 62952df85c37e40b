package controller

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the hive API under /api/v1.
func RegisterRoutes(router gin.IRouter, submissions *SubmissionController, projects *ProjectController, admin *AdminController) {
	api := router.Group("/api/v1")

	api.GET("/programs", projects.Programs)
	api.POST("/projects/:project_id/submissions", submissions.Create)
	api.GET("/projects/:project_id/submissions", submissions.List)
	api.PUT("/projects/:project_id/harness", projects.UploadHarness)

	api.GET("/submissions/:id", submissions.Get)
	api.GET("/submissions/:id/report", submissions.Report)
	api.GET("/submissions/:id/watch", submissions.Watch)

	api.GET("/admin/grading", admin.Grading)
}
