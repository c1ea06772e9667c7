/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# VosDB: a versioned object store engine

VosDB is the per-target storage engine of a distributed object store. It keeps
the full epoch history of every object on a combination of persistent memory
(metadata, small values) and block storage (bulk array payloads).

## Data Model

* Pool, Container, Object, dkey, akey, value.

* A pool is a single PM file plus one block blob, owned by one target (xstream).

* A container maps 128-bit object ids to object records through the object index.

* An object holds an ordered tree of dkeys; each dkey holds a tree of akeys;
  an akey carries either a single-value tree (one record per epoch) or an
  extent tree (contiguous record ranges per epoch).

* Every write carries an epoch. Nothing is overwritten in place; readers name
  an epoch and observe the newest data at or below it. A punch writes a
  tombstone that hides the subtree beneath it for later readers.

## Architecture

* common/pmem - the PM arena: undo-logged transactions and a typed allocator.

* common/bio - the block bridge: scatter-gather staging between PM addresses
  and blob offsets, with DMA buffering for block media.

* vos/kbtr, vos/evt - the two index structures: an ordered (key, epoch) btree
  and an epoch-versioned extent tree.

* vos - the operation engine: update, fetch, punch, iteration and key query,
  plus the object index, the object handle cache and per-target execution.

## Building Blocks

* Prometheus
* cubefs blobstore common libraries

*/

package vosdb
