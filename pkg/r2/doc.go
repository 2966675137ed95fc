// Package r2 implements the object storage binding: put/get/head/delete/
// list with conditional onlyIf checks and byte-range reads, plus multipart
// upload. Object bodies live under the storage substrate's object root;
// metadata lives in the r2_objects/r2_multipart_* tables.
package r2
